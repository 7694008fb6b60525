package constitution

import (
	"errors"
	"fmt"
)

// Violation is an iron-law breach. It is never recovered from: the outermost
// driver terminates the process with a non-zero exit code when one surfaces.
type Violation struct {
	Law    string
	Detail string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("constitution violation [%s]: %s", v.Law, v.Detail)
}

// NewViolation constructs a Violation for the named law.
func NewViolation(law, format string, args ...any) *Violation {
	return &Violation{Law: law, Detail: fmt.Sprintf(format, args...)}
}

// IsViolation reports whether err is (or wraps) an iron-law breach.
func IsViolation(err error) bool {
	var v *Violation
	return errors.As(err, &v)
}
