package datastore

import (
	"fmt"
	"strings"

	gomysql "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"

	"github.com/fetalscan/fetalscan/internal/errors"
)

const component = "datastore"

// MySQL server error numbers that gorm's translator may miss when the
// error arrives wrapped.
const (
	mysqlDuplicateEntry = 1062
	mysqlNoParentRow    = 1452
)

// dbError wraps a driver failure. kv holds alternating context keys and values.
func dbError(err error, operation, priority string, kv ...any) error {
	b := errors.New(err).
		Component(component).
		Category(errors.CategoryDatabase).
		Priority(priority).
		Context("operation", operation)
	for i := 0; i+1 < len(kv); i += 2 {
		if key, ok := kv[i].(string); ok {
			b.Context(key, kv[i+1])
		}
	}
	return b.Build()
}

func validationError(message, field string, value any) error {
	return errors.New(errors.NewStd(message)).
		Component(component).
		Category(errors.CategoryValidation).
		Context("field", field).
		Context("value", fmt.Sprint(value)).
		Build()
}

func notFoundError(resource string, id any) error {
	return errors.NotFound(component, resource, id)
}

func conflictError(message, operation string) error {
	return errors.New(errors.NewStd(message)).
		Component(component).
		Category(errors.CategoryConflict).
		Context("operation", operation).
		Build()
}

// stateError rejects a write against a scan in the wrong analysis step.
func stateError(message, operation string, scanID uint, step ScanStep) error {
	return errors.New(errors.NewStd(message)).
		Component(component).
		Category(errors.CategoryState).
		Context("operation", operation).
		Context("scan_id", scanID).
		Context("analysis_step", string(step)).
		Build()
}

// lookupError turns gorm.ErrRecordNotFound into a not-found error.
func lookupError(err error, resource, operation string, id any) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return notFoundError(resource, id)
	}
	return dbError(err, operation, errors.PriorityMedium, "id", fmt.Sprint(id))
}

func isDuplicateKey(err error) bool {
	return constraintViolation(err, gorm.ErrDuplicatedKey, mysqlDuplicateEntry,
		"unique constraint", "duplicate key")
}

func isForeignKeyViolation(err error) bool {
	return constraintViolation(err, gorm.ErrForeignKeyViolated, mysqlNoParentRow,
		"foreign key constraint")
}

// constraintViolation checks the translated gorm sentinel, then the MySQL
// error number, then the driver message.
func constraintViolation(err, sentinel error, mysqlNumber uint16, fragments ...string) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, sentinel) {
		return true
	}
	var myErr *gomysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == mysqlNumber
	}
	msg := strings.ToLower(err.Error())
	for _, f := range fragments {
		if strings.Contains(msg, f) {
			return true
		}
	}
	return false
}
