package canonical

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeCategory(t *testing.T) {
	table := DefaultCategoryTable()
	cases := []struct {
		raw  string
		want Category
		ok   bool
	}{
		{"formal", CategoryFormal, true},
		{"Formal", CategoryFormal, true},
		{"F", CategoryFormal, true},
		{"1", CategoryFormal, true},
		{"Modular", CategoryModular, true},
		{"M", CategoryModular, true},
		{"3", CategoryModular, true},
		{"workers pas", CategoryWorkersPAS, true},
		{"Workers  PAS", CategoryWorkersPAS, true},
		{"WPAS", CategoryWorkersPAS, true},
		{"2", CategoryWorkersPAS, true},
		{"X", "", false},
		{"", "", false},
	}
	for _, c := range cases {
		got, ok := table.Normalize(c.raw)
		assert.Equal(t, c.ok, ok, "raw %q", c.raw)
		if c.ok {
			assert.Equal(t, c.want, got, "raw %q", c.raw)
		}
	}
}

func TestValidCategory(t *testing.T) {
	assert.True(t, ValidCategory("formal"))
	assert.True(t, ValidCategory("workers_pas"))
	assert.False(t, ValidCategory("Formal"))
	assert.False(t, ValidCategory("w"))
}

func TestDescriptorsCoverEveryType(t *testing.T) {
	for _, typ := range Types() {
		d, err := Describe(typ)
		assert.NoError(t, err)
		assert.NotEmpty(t, d.Table, "type %s", typ)
		assert.NotEmpty(t, d.KeyColumn, "type %s", typ)
	}
	_, err := Describe(EntityType("ghost"))
	assert.Error(t, err)
}

func TestSyntheticKeys(t *testing.T) {
	assert.Equal(t, "501:1:101", EnrollmentKey(501, 1, 101))
	assert.Equal(t, "501:1:0", EnrollmentKey(501, 1, 0))
	assert.Equal(t, "10:301", ResultKey(10, 301))
}
