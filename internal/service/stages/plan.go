package stages

import (
	"fmt"

	"github.com/ashita-ai/kansoku/internal/model"
)

var planNames = map[string][]string{
	KindReview: {
		"Clarify research scope and constraints",
		"Collect representative literature",
		"Compare methods and identify gaps",
		"Draft survey and hand off to ideation",
	},
	KindIdeation: {
		"Extract actionable constraints from survey",
		"Generate candidate research ideas",
		"Evaluate risks and expected metrics",
		"Finalize ideas and hand off to experiment",
	},
	KindExperiment: {
		"Convert ideas into experiment plan",
		"Prepare metrics and baseline assumptions",
		"Run simulation and collect outputs",
		"Summarize results and produce report",
	},
	KindFeedback: {
		"Review experiment outcomes",
		"Identify what to keep or change",
		"Define next-iteration validation plan",
		"Publish feedback loop summary",
	},
}

var planNamesZH = map[string]string{
	"Clarify research scope and constraints":     "明确研究范围与约束",
	"Collect representative literature":          "收集代表性文献",
	"Compare methods and identify gaps":          "对比方法并识别空白",
	"Draft survey and hand off to ideation":      "整理综述并交接给 ideation",
	"Extract actionable constraints from survey": "从综述中提炼可执行约束",
	"Generate candidate research ideas":          "生成候选研究构思",
	"Evaluate risks and expected metrics":        "评估风险与预期指标",
	"Finalize ideas and hand off to experiment":  "固化方案并交接给 experiment",
	"Convert ideas into experiment plan":         "将构思转成实验计划",
	"Prepare metrics and baseline assumptions":   "准备指标与基线假设",
	"Run simulation and collect outputs":         "执行模拟并收集输出",
	"Summarize results and produce report":       "汇总结果并输出报告",
	"Review experiment outcomes":                 "审阅实验结果",
	"Identify what to keep or change":            "识别保留项与调整项",
	"Define next-iteration validation plan":      "定义下一轮验证计划",
	"Publish feedback loop summary":              "发布反馈闭环总结",
}

// Plan is the subtask list of one step. Every mutation returns a new Plan so
// emitted lists are never aliased.
type Plan struct {
	Stage    string
	Subtasks []model.Subtask
}

// NewPlan returns the pending four-item plan for step in the given language.
func NewPlan(step Step, lang Language) Plan {
	kind := step.Kind()
	names := planNames[kind]
	subtasks := make([]model.Subtask, 0, len(names))
	for i, name := range names {
		if lang == LanguageZH {
			if zh, ok := planNamesZH[name]; ok {
				name = zh
			}
		}
		id := fmt.Sprintf("%s-%d", kind, i+1)
		if step.Iteration > 0 {
			id = fmt.Sprintf("%s-%d-%d", kind, step.Iteration, i+1)
		}
		subtasks = append(subtasks, model.Subtask{ID: id, Name: name, Status: model.SubtaskPending})
	}
	return Plan{Stage: kind, Subtasks: subtasks}
}

func (p Plan) clone() Plan {
	cp := make([]model.Subtask, len(p.Subtasks))
	copy(cp, p.Subtasks)
	return Plan{Stage: p.Stage, Subtasks: cp}
}

// Start marks subtask i running at progress.
func (p Plan) Start(i int, progress float64) Plan {
	next := p.clone()
	if i >= 0 && i < len(next.Subtasks) {
		next.Subtasks[i].Status = model.SubtaskRunning
		next.Subtasks[i].Progress = model.ClampProgress(progress)
	}
	return next
}

// Complete marks subtask i completed.
func (p Plan) Complete(i int) Plan {
	next := p.clone()
	if i >= 0 && i < len(next.Subtasks) {
		next.Subtasks[i].Status = model.SubtaskCompleted
		next.Subtasks[i].Progress = 1
	}
	return next
}

// Advance completes subtask i and starts i+1 at progress.
func (p Plan) Advance(i int, progress float64) Plan {
	return p.Complete(i).Start(i+1, progress)
}

// CompleteAll marks every subtask completed.
func (p Plan) CompleteAll() Plan {
	next := p.clone()
	for i := range next.Subtasks {
		next.Subtasks[i].Status = model.SubtaskCompleted
		next.Subtasks[i].Progress = 1
	}
	return next
}

// FailRunning marks running subtasks failed and keeps their progress.
func (p Plan) FailRunning() Plan {
	next := p.clone()
	for i := range next.Subtasks {
		if next.Subtasks[i].Status == model.SubtaskRunning {
			next.Subtasks[i].Status = model.SubtaskFailed
		}
	}
	return next
}

// HasRunning reports whether any subtask is running.
func (p Plan) HasRunning() bool {
	for _, s := range p.Subtasks {
		if s.Status == model.SubtaskRunning {
			return true
		}
	}
	return false
}
