package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSyncPolicyString(t *testing.T) {
	assert.Equal(t, "OnOpen", SyncOnOpen.String())
	assert.Equal(t, "OnDemand", SyncOnDemand.String())
	assert.Equal(t, "Never", SyncNever.String())
	assert.Equal(t, "Unknown", SyncPolicy(99).String())
}

func TestConflictPolicyString(t *testing.T) {
	assert.Equal(t, "ServerWins", ConflictServerWins.String())
	assert.Equal(t, "ClientWins", ConflictClientWins.String())
	assert.Equal(t, "Manual", ConflictManual.String())
	assert.Equal(t, "Unknown", ConflictPolicy(99).String())
}

func TestLocalConfig_TableByName(t *testing.T) {
	cfg := LocalConfig{Tables: []AppTableConfig{
		{EntityName: "Tasks"},
		{EntityName: "Projects"},
	}}

	table, ok := cfg.TableByName("Projects")
	assert.True(t, ok)
	assert.Equal(t, "Projects", table.EntityName)

	_, ok = cfg.TableByName("Missing")
	assert.False(t, ok)
}

func TestWatermark_Before(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	w1 := Watermark{Modified: base, SpId: 5}
	w2 := Watermark{Modified: base, SpId: 10}
	w3 := Watermark{Modified: base.Add(time.Second), SpId: 1}

	assert.True(t, w1.Before(w2), "same timestamp, lower SpId sorts first")
	assert.False(t, w2.Before(w1))
	assert.True(t, w2.Before(w3), "earlier timestamp always precedes regardless of SpId")
	assert.False(t, w3.Before(w1))
	assert.False(t, w1.Before(w1), "a watermark never precedes itself")
}

func TestIsReservedField(t *testing.T) {
	assert.True(t, IsReservedField("AppPK", "CustomPK"))
	assert.True(t, IsReservedField("IsDeleted", ""))
	assert.True(t, IsReservedField(SystemFieldSpId, ""))
	assert.True(t, IsReservedField("CustomPK", "CustomPK"), "the configured PK column is always reserved")
	assert.False(t, IsReservedField("Title", "CustomPK"))
}

func TestSanitizeFields_StripsReservedAndEnforcesWhitelist(t *testing.T) {
	fields := map[string]any{
		"Title":          "hello",
		"Body":           "world",
		"AppPK":          "should-be-stripped",
		"IsDeleted":      false,
		SystemFieldSpId:  42,
		"CustomPK":       "also-stripped",
	}

	out := SanitizeFields(fields, "CustomPK", []string{"Title"})
	assert.Equal(t, map[string]any{"Title": "hello"}, out)
}

func TestSanitizeFields_EmptyWhitelistAllowsAnyNonReservedKey(t *testing.T) {
	fields := map[string]any{"Title": "hello", "Body": "world", "AppPK": "x"}
	out := SanitizeFields(fields, "", nil)
	assert.Equal(t, map[string]any{"Title": "hello", "Body": "world"}, out)
}
