package storage

import (
	"fmt"

	"github.com/ashita-ai/kansoku/internal/model"
)

// Sentinel errors. Both wrap the matching model error so transports can
// classify them without importing this package.
var (
	ErrNotFound = fmt.Errorf("storage: %w", model.ErrNotFound)
	ErrConflict = fmt.Errorf("storage: %w", model.ErrConflict)
)
