package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/votermap/internal/rollfile"
)

func TestResolveVUID(t *testing.T) {
	tbl := &rollfile.Table{Header: []string{"ADDRESS", "VUID", "CERT", "ID"}}

	assert.Equal(t, "111", resolveVUID(tbl, []string{"a", "111", "222", "3333333333"}))
	assert.Equal(t, "222", resolveVUID(tbl, []string{"a", "", "222", "3333333333"}))
	assert.Equal(t, "3333333333", resolveVUID(tbl, []string{"a", "", "", "3333333333"}))
	assert.Equal(t, "", resolveVUID(tbl, []string{"a", "", "", "12345"}))
	assert.Equal(t, "", resolveVUID(tbl, []string{"a", "", "", "33333x3333"}))
}

func TestFullName(t *testing.T) {
	tbl := &rollfile.Table{Header: []string{"LASTNAME", "FIRSTNAME", "MIDDLENAME", "SUFFIX"}}
	assert.Equal(t, "Juan M Perez Jr", fullName(tbl, []string{"Perez", "Juan", "M", "Jr"}))
	assert.Equal(t, "Perez", fullName(tbl, []string{"Perez", "", "", ""}))
}

func TestCurrentParty(t *testing.T) {
	tests := []struct {
		code, primary, ballot, want string
	}{
		{"D", "", "", "Democratic"},
		{"rep", "", "", "Republican"},
		{"lib", "", "", "LIB"},
		{"", "democratic", "REP 1", "Democratic"},
		{"", "", "REP 1", "Republican"},
		{"", "", "DEM 4", "Democratic"},
		{"", "", "N1", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, currentParty(tt.code, tt.primary, tt.ballot), "%+v", tt)
	}
}

func TestVoterProperties(t *testing.T) {
	tbl := &rollfile.Table{Header: []string{"ADDRESS", "PRECINCT", "BALLOT STYLE", "CHECK-IN", "CERT"}}
	props := voterProperties(tbl, []string{"1 Main", "12", "DEM 2", "07:45", "555"}, "")

	assert.Equal(t, "12", props["precinct"])
	assert.Equal(t, "DEM 2", props["ballot_style"])
	assert.Equal(t, "07:45", props["check_in"])
	assert.Equal(t, "555", props["vuid"])
	assert.Equal(t, "Democratic", props["party_affiliation_current"])
	assert.NotContains(t, props, "name")
}
