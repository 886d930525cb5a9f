package robot

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestDuration_ScanValue(t *testing.T) {
	var d Duration
	require.NoError(t, d.Scan("5m0s"))
	assert.Equal(t, 5*time.Minute, d.Duration)

	require.NoError(t, d.Scan([]byte("1h30m0s")))
	assert.Equal(t, 90*time.Minute, d.Duration)

	v, err := Duration{250 * time.Millisecond}.Value()
	require.NoError(t, err)
	assert.Equal(t, "250ms", v)

	assert.Error(t, d.Scan(12345))
	assert.Error(t, d.Scan("not a duration"))
}

func TestDuration_JSON(t *testing.T) {
	d := Duration{90 * time.Second}
	data, err := json.Marshal(d)
	require.NoError(t, err)
	assert.Equal(t, `"1m30s"`, string(data))

	var decoded Duration
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, d.Duration, decoded.Duration)

	require.NoError(t, json.Unmarshal([]byte("null"), &decoded))
	assert.Equal(t, d.Duration, decoded.Duration)
}

func TestDatabase_CreateAndUpdate(t *testing.T) {
	db := setupTestDB(t)
	writeDB := NewDatabase(db, nil, false)
	ctx := context.Background()

	rule := AccessRule{
		GuildID: "g1",
		Name:    "test rule",
		Mode:    RoleMatchNone,
		Enabled: true,
	}
	affected, err := writeDB.Create(ctx, &rule)
	require.NoError(t, err)
	assert.Equal(t, int64(1), affected)
	assert.NotZero(t, rule.ID)

	affected, err = writeDB.Updates(
		ctx, &rule, map[string]any{"name": "renamed"},
	)
	require.NoError(t, err)
	assert.Equal(t, int64(1), affected)

	var found AccessRule
	require.NoError(t, db.First(&found, "id = ?", rule.ID).Error)
	assert.Equal(t, "renamed", found.Name)

	affected, err = writeDB.Update(ctx, &rule, columnAccessRuleEnabled, false)
	require.NoError(t, err)
	assert.Equal(t, int64(1), affected)

	require.NoError(t, db.First(&found, "id = ?", rule.ID).Error)
	assert.False(t, found.Enabled)
}

func TestDatabase_Delete(t *testing.T) {
	db := setupTestDB(t)
	writeDB := NewDatabase(db, nil, false)
	ctx := context.Background()

	entry := BlacklistEntry{SnowflakeID: "u1", Kind: BlacklistKindUser}
	_, err := writeDB.Create(ctx, &entry)
	require.NoError(t, err)

	affected, err := writeDB.Delete(&entry)
	require.NoError(t, err)
	assert.Equal(t, int64(1), affected)

	var found BlacklistEntry
	err = db.First(&found, "id = ?", entry.ID).Error
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestDatabase_TransactionRollsBack(t *testing.T) {
	db := setupTestDB(t)
	writeDB := NewDatabase(db, nil, false)
	ctx := context.Background()

	rule := AccessRule{GuildID: "g1", Mode: RoleMatchNone, Enabled: true}
	_, err := writeDB.Create(ctx, &rule)
	require.NoError(t, err)

	txErr := writeDB.Transaction(
		ctx, func(tx *gorm.DB) error {
			if updateErr := tx.Model(&rule).Update(
				"name", "should not persist",
			).Error; updateErr != nil {
				return updateErr
			}
			return assert.AnError
		},
	)
	require.ErrorIs(t, txErr, assert.AnError)

	var found AccessRule
	require.NoError(t, db.First(&found, "id = ?", rule.ID).Error)
	assert.Empty(t, found.Name)
}

func TestCreateDB_Migrates(t *testing.T) {
	db := setupTestDB(t)

	for _, model := range []any{
		&AccessRule{},
		&BlacklistEntry{},
		&RuntimeConfig{},
	} {
		assert.True(
			t,
			db.Migrator().HasTable(model),
			"expected table for %T",
			model,
		)
	}
}

func TestCreateDB_InvalidType(t *testing.T) {
	_, err := CreateDB(context.Background(), "oracle", "dsn")
	require.Error(t, err)
}
