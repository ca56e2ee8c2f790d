package rbac

import (
	"fmt"

	"github.com/parahub/parahub/internal/shared"
)

var (
	// ErrUnknownPermission is returned when a code is neither stored nor a default.
	ErrUnknownPermission = fmt.Errorf("%w: unknown permission", shared.ErrValidation)
	// ErrRoleNotFound is returned when a role slug is unknown even after seeding.
	ErrRoleNotFound = fmt.Errorf("%w: role not found", shared.ErrValidation)
	// ErrScopeInvalid is returned for unknown scope types or missing scope ids.
	ErrScopeInvalid = fmt.Errorf("%w: invalid scope", shared.ErrValidation)
	// ErrDatabaseConflict is surfaced when a write violates a constraint.
	ErrDatabaseConflict = fmt.Errorf("%w: database conflict", shared.ErrConflict)
)
