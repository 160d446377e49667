package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ashita-ai/kansoku/internal/model"
)

// stageSpec describes the model call and artifact of one stage kind.
type stageSpec struct {
	policy    string
	task      string
	maxTokens int
	file      string
	role      string
	handoff   model.AgentID
}

var stageSpecs = map[string]stageSpec{
	KindReview: {
		policy:    "You are the review agent. Produce a rigorous, topic-grounded literature survey in markdown.",
		task:      "Generate survey.md using <upstream_reference>. You must explicitly map all conclusions to topic title/description/objective and avoid generic boilerplate.",
		maxTokens: 1800,
		file:      "survey.md",
		role:      "survey",
		handoff:   model.AgentIdeation,
	},
	KindIdeation: {
		policy:    "You are the ideation agent. Produce implementation-ready ideas that are tightly scoped to the topic.",
		task:      "Generate ideas.md from <upstream_reference>. Provide at least 3 executable ideas. Each idea must include assumptions, metrics, risk, and how it serves the topic objective.",
		maxTokens: 1800,
		file:      "ideas.md",
		role:      "idea",
		handoff:   model.AgentExperiment,
	},
	KindExperiment: {
		policy:    "You are the experiment reporting agent. Produce a detailed markdown report grounded in topic context.",
		task:      "Generate result.md from <upstream_reference>. Interpret every metric against the topic objective and list risks and next steps.",
		maxTokens: 1800,
		file:      "result.md",
		role:      "report",
		handoff:   model.AgentIdeation,
	},
	KindFeedback: {
		policy:    "You are the ideation feedback agent. Refine roadmap from experiment outcomes and topic constraints.",
		task:      "Generate a concise feedback plan. Explain what to keep, what to change, and what to validate next. Every point must tie to the topic objective.",
		maxTokens: 1000,
		file:      "feedback.md",
		role:      "feedback",
	},
}

const (
	resultsPolicy = "You are the experiment agent. Return strict JSON only."
	resultsTask   = "Generate strict JSON results from <upstream_reference>. Required keys: topicId, topicTitle, runId, metrics, notes, next_actions. Ensure metrics align to topic objective."
	resultsFile   = "results.json"
)

// TemplateExecutor produces deterministic markdown without a model. Output
// depends only on the topic, the run and the step.
type TemplateExecutor struct{}

// NewTemplateExecutor returns a TemplateExecutor.
func NewTemplateExecutor() *TemplateExecutor { return &TemplateExecutor{} }

// Provider names the executor in timeline events.
func (*TemplateExecutor) Provider() string { return "template" }

// Execute implements Executor.
func (t *TemplateExecutor) Execute(ctx context.Context, req Request) (Output, error) {
	if err := ctx.Err(); err != nil {
		return Output{}, err
	}
	req.report(CallReport{Provider: t.Provider(), Phase: CallRequest})
	req.report(CallReport{Provider: t.Provider(), Phase: CallFallback, Err: ErrNoProvider})

	step := req.Step
	lang := TopicLanguage(req.Topic)
	spec := stageSpecs[step.Kind()]

	if step.Kind() == KindExperiment {
		results := fallbackResults(req)
		raw, err := json.MarshalIndent(results, "", "  ")
		if err != nil {
			return Output{}, fmt.Errorf("stages: encode results: %w", err)
		}
		report := fallbackReport(lang, req.Topic, results.Metrics)
		return Output{
			Files: []File{
				{Name: resultsFile, ContentType: "application/json", Role: "results", HandoffTo: model.AgentIdeation, Content: raw},
				{Name: spec.file, ContentType: "text/markdown", Role: spec.role, HandoffTo: spec.handoff, Content: []byte(report)},
			},
			Summary: "experiment produced results.json and result.md",
			Metrics: results.Metrics,
		}, nil
	}

	return Output{
		Files: []File{{
			Name: spec.file, ContentType: "text/markdown", Role: spec.role, HandoffTo: spec.handoff,
			Content: []byte(fallbackMarkdown(step.Kind(), lang, req.Topic)),
		}},
		Summary: fmt.Sprintf("%s produced %s", step.Agent, spec.file),
	}, nil
}

// Results is the structured experiment output stored as results.json.
type Results struct {
	TopicID     string         `json:"topicId"`
	TopicTitle  string         `json:"topicTitle"`
	RunID       string         `json:"runId"`
	Metrics     map[string]any `json:"metrics"`
	Notes       string         `json:"notes"`
	NextActions []string       `json:"next_actions"`
}

func fallbackResults(req Request) Results {
	return Results{
		TopicID:    req.Topic.ID,
		TopicTitle: req.Topic.Title,
		RunID:      req.RunID,
		Metrics:    map[string]any{"accuracy": 0.78, "f1": 0.74, "robustness": 0.71},
		Notes:      "Simulated results generated without a language model.",
		NextActions: []string{
			"Scale the evaluation set",
			"Run ablations on the strongest idea",
			"Add cost and latency measurements",
		},
	}
}

func fallbackMarkdown(kind string, lang Language, t model.Topic) string {
	desc, obj := orNA(t.Description), orNA(t.Objective)
	zh := lang == LanguageZH
	switch kind {
	case KindReview:
		if zh {
			return "# " + t.Title + " 文献综述（回退）\n\n" +
				"## 主题对齐\n- 研究主题：" + t.Title + "\n- 场景描述：" + desc + "\n- 核心目标：" + obj + "\n\n" +
				"## 现状观察\n- 该方向常见方案包括检索增强、知识蒸馏与评估闭环。\n- 实际落地中最常见瓶颈是数据质量与评测口径不一致。\n\n" +
				"## 方法对比\n- 规则驱动：可控但覆盖有限。\n- 端到端模型：潜力高但解释性较弱。\n- 混合式架构：在稳定性与性能间更平衡。\n\n" +
				"## 后续建议\n- 进入 ideation 阶段，先做 2-3 个可执行方案。\n- 同步定义实验指标、成本预算、失败回退机制。\n"
		}
		return "# Literature Survey for " + t.Title + " (Fallback)\n\n" +
			"## Topic Alignment\n- Topic: " + t.Title + "\n- Description: " + desc + "\n- Objective: " + obj + "\n\n" +
			"## Current Landscape\n- Typical directions include retrieval augmentation, distillation, and closed-loop evaluation.\n" +
			"- Common production bottleneck is mismatch between data quality and evaluation protocol.\n" +
			"- Online constraints must be explicit to keep experiments reproducible.\n\n" +
			"## Method Comparison\n- Rule-driven: controllable but narrow coverage.\n" +
			"- End-to-end: high performance ceiling but weaker interpretability.\n" +
			"- Hybrid: balanced trade-off between reliability and performance.\n\n" +
			"## Next Actions\n- Move to ideation with 2-3 executable proposals.\n" +
			"- Define metrics, budget, and rollback policy together.\n" +
			"- Keep constraints tightly bound to the topic objective.\n"

	case KindIdeation:
		if zh {
			return "# " + t.Title + " 方案构思（回退）\n\n" +
				"## 主题对齐\n- 描述约束：" + desc + "\n- 目标约束：" + obj + "\n\n" +
				"## 方案 A：检索增强 + 质量门控\n- 指标：Hit@k、回答准确率、拒答正确率。\n\n" +
				"## 方案 B：多路径推理 + 置信度路由\n- 指标：端到端延迟、失败率、复杂问题成功率。\n\n" +
				"## 方案 C：反馈闭环优化\n- 指标：迭代增益、回归率、维护成本。\n"
		}
		return "# Research Ideas for " + t.Title + " (Fallback)\n\n" +
			"## Topic Alignment\n- Description constraints: " + desc + "\n- Objective constraints: " + obj + "\n" +
			"- All ideas below are scoped to this topic and objective.\n\n" +
			"## Idea A: Retrieval Augmentation + Quality Gates\n- Hypothesis: improving retrieval relevance lifts answer reliability.\n" +
			"- Plan: add query rewrite, rerank, and low-score abstention.\n- Metrics: Hit@k, answer accuracy, abstention precision.\n\n" +
			"## Idea B: Multi-path Reasoning + Confidence Routing\n- Hypothesis: route-by-difficulty improves stability.\n" +
			"- Plan: lightweight and heavy paths, selected by confidence.\n- Metrics: latency, failure rate, hard-case success rate.\n\n" +
			"## Idea C: Feedback-Driven Iteration\n- Hypothesis: replaying failure cases yields compounding gains.\n" +
			"- Plan: collect error cases and run periodic offline reevaluation.\n- Metrics: iteration uplift, regression rate, maintenance overhead.\n"

	case KindFeedback:
		if zh {
			return "## 反馈计划（回退）\n- 主题：" + t.Title + "\n- 保留：检索增强与置信度路由主路径。\n" +
				"- 调整：增加候选方案多样性和难样本覆盖。\n- 验证：补充成本与延迟指标，确保目标对齐。\n"
		}
		return "## Feedback Plan (Fallback)\n- Topic: " + t.Title + "\n" +
			"- Keep: retrieval augmentation and confidence routing core path.\n" +
			"- Change: broaden candidate diversity and hard-case coverage.\n" +
			"- Validate: add cost and latency metrics for objective alignment.\n"
	}
	return ""
}

func fallbackReport(lang Language, t model.Topic, metrics map[string]any) string {
	metric := func(k string) string {
		if v, ok := metrics[k]; ok {
			return fmt.Sprint(v)
		}
		return "n/a"
	}
	var b strings.Builder
	if lang == LanguageZH {
		b.WriteString("# " + t.Title + " 实验结果报告（回退）\n\n")
		b.WriteString("## 主题对齐\n- 场景描述：" + orNA(t.Description) + "\n- 目标说明：" + orNA(t.Objective) + "\n\n")
		b.WriteString("## 指标解读\n")
	} else {
		b.WriteString("# Experiment Result Report for " + t.Title + " (Fallback)\n\n")
		b.WriteString("## Topic Alignment\n- Description: " + orNA(t.Description) + "\n- Objective: " + orNA(t.Objective) + "\n\n")
		b.WriteString("## Key Observations\n- Retrieval-augmented setup improved reliability.\n")
		b.WriteString("- Confidence routing reduced failure rate on hard cases.\n\n")
		b.WriteString("## Metrics Interpretation\n")
	}
	b.WriteString("- Accuracy: " + metric("accuracy") + "\n")
	b.WriteString("- F1: " + metric("f1") + "\n")
	b.WriteString("- Robustness: " + metric("robustness") + "\n")
	if lang == LanguageZH {
		b.WriteString("\n## 风险与下一步\n- 风险：数据分布漂移可能导致线上回落。\n- 下一步：扩样本、做消融、补充成本收益分析。\n")
	} else {
		b.WriteString("\n## Risks and Next Steps\n- Risk: distribution shift can hurt online quality.\n")
		b.WriteString("- Next: scale data, run ablations, add cost-benefit analysis.\n")
	}
	return b.String()
}
