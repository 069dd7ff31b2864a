package aghalg_test

import (
	"testing"

	"github.com/loopdns/loopdns/internal/aghalg"
	"github.com/stretchr/testify/assert"
)

func TestUniqChecker(t *testing.T) {
	t.Parallel()

	uc := make(aghalg.UniqChecker[string])
	uc.Add("a", "b", "c")
	assert.NoError(t, uc.Validate())

	uc.Add("b")
	err := uc.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "b")
}
