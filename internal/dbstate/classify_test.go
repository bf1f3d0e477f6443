package dbstate

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyErrorLockout(t *testing.T) {
	assert.Equal(t, ClassLockout, ClassifyError(errors.New("pq: server_login_retry")))
	assert.Equal(t, ClassLockout, ClassifyError(errors.New("query_wait_timeout exceeded")))
}

func TestClassifyErrorAuthFailure(t *testing.T) {
	assert.Equal(t, ClassAuthFailure, ClassifyError(errors.New("password authentication failed for user \"app\"")))
	assert.Equal(t, ClassAuthFailure, ClassifyError(errors.New("FATAL: role \"x\" does not exist")))
	assert.Equal(t, ClassAuthFailure, ClassifyError(errors.New(`database "missing" does not exist`)))
}

func TestClassifyErrorNetwork(t *testing.T) {
	assert.Equal(t, ClassNetwork, ClassifyError(errors.New("dial tcp 10.0.0.1:5432: connect: connection refused")))
	assert.Equal(t, ClassNetwork, ClassifyError(errors.New("i/o timeout")))
}

func TestClassifyErrorOther(t *testing.T) {
	assert.Equal(t, ClassOther, ClassifyError(errors.New("some unrecognized condition")))
}
