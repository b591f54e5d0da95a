package observability

import (
	"errors"
	"fmt"
)

// AggregateErrors reports the failed steps of a multi-step operation such as
// shutdown. Nil entries are skipped; when every step succeeded it logs nothing
// and returns nil. Otherwise it logs one error entry carrying the operation,
// the failure count and each failure message, and returns the joined errors.
func AggregateErrors(logger Logger, operation string, errs []error, fields ...Field) error {
	var failures []error
	for _, err := range errs {
		if err != nil {
			failures = append(failures, err)
		}
	}
	if len(failures) == 0 {
		return nil
	}

	messages := make([]string, len(failures))
	for i, err := range failures {
		messages[i] = err.Error()
	}
	logFields := make([]Field, 0, len(fields)+3)
	logFields = append(logFields, fields...)
	logFields = append(logFields,
		F("operation", operation),
		F("failures", len(failures)),
		F("errors", messages),
	)
	OrNop(logger).Error(operation+" completed with errors", logFields...)
	return fmt.Errorf("%s: %w", operation, errors.Join(failures...))
}
