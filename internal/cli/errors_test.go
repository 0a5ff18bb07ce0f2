package cli

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pthm/pgm"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"general", errors.New("boom"), ExitGeneral},
		{"config", fmt.Errorf("%w: bad", pgm.ErrConfig), ExitConfig},
		{"duplicate object is config", fmt.Errorf("%w: twice", pgm.ErrDuplicateObject), ExitConfig},
		{"parse", &pgm.ParseError{Path: "m.sql", Err: pgm.ErrInvalidMigrationName}, ExitParse},
		{"drift", fmt.Errorf("%w: 00001", pgm.ErrDrift), ExitParse},
		{"connection", fmt.Errorf("%w: refused", pgm.ErrConnection), ExitDBConnect},
		{"lock", fmt.Errorf("%w: busy", pgm.ErrLockHeld), ExitLockHeld},
		{"execution", &pgm.ExecutionError{Target: "view v", Err: errors.New("syntax")}, ExitExecution},
		{"explicit code kept", DBConnectError("connecting", errors.New("x")), ExitDBConnect},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err).Code)
		})
	}
}

func TestExitErrorMessage(t *testing.T) {
	assert.Equal(t, "loading: bad", ConfigError("loading", errors.New("bad")).Error())
	assert.Equal(t, "health checks failed", GeneralError("health checks failed", nil).Error())
	assert.Equal(t, "boom", Classify(errors.New("boom")).Error())
}
