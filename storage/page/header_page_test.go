package page

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kujiradb/kujiradb/types"
)

func TestHeaderPageRecords(t *testing.T) {
	hp := CastPageAsHeaderPage(NewEmpty(types.PageID(0)))

	// Scenario: a fresh header page has no records.
	assert.Equal(t, int32(0), hp.GetRecordCount())
	_, ok := hp.GetRootId("accounts_pk")
	assert.False(t, ok)

	// Scenario: registered indexes can be looked up.
	assert.True(t, hp.InsertRecord("accounts_pk", types.PageID(3)))
	assert.True(t, hp.InsertRecord("orders_pk", types.PageID(7)))
	assert.Equal(t, int32(2), hp.GetRecordCount())

	root, ok := hp.GetRootId("accounts_pk")
	assert.True(t, ok)
	assert.Equal(t, types.PageID(3), root)

	// Scenario: inserting the same name twice fails.
	assert.False(t, hp.InsertRecord("accounts_pk", types.PageID(9)))

	// Scenario: updating rewrites the recorded root.
	assert.True(t, hp.UpdateRecord("accounts_pk", types.PageID(11)))
	root, ok = hp.GetRootId("accounts_pk")
	assert.True(t, ok)
	assert.Equal(t, types.PageID(11), root)

	// Scenario: updating an unknown name fails.
	assert.False(t, hp.UpdateRecord("nonexistent", types.PageID(1)))

	// Scenario: deleted records disappear; the others survive.
	assert.True(t, hp.DeleteRecord("accounts_pk"))
	assert.False(t, hp.DeleteRecord("accounts_pk"))
	_, ok = hp.GetRootId("accounts_pk")
	assert.False(t, ok)
	root, ok = hp.GetRootId("orders_pk")
	assert.True(t, ok)
	assert.Equal(t, types.PageID(7), root)
}
