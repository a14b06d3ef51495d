package store

import (
	"fmt"

	"github.com/fairvest/execution-engine/internal/apperrors"
)

// ErrConflict is returned when inserting a row whose id already exists.
var ErrConflict = apperrors.New(apperrors.KindConflict, "store: already exists")

func errConflict(what string, id uint64) error {
	return fmt.Errorf("%w: %s %d", ErrConflict, what, id)
}
