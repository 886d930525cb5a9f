package robot

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnowflakes_Scan(t *testing.T) {
	testCases := []struct {
		name     string
		input    any
		expected Snowflakes
	}{
		{
			name:     "simple list",
			input:    "123,456,789",
			expected: Snowflakes{"123", "456", "789"},
		},
		{
			name:     "whitespace and empty members",
			input:    " 123, ,456,,",
			expected: Snowflakes{"123", "456"},
		},
		{
			name:     "byte slice",
			input:    []byte("123,456"),
			expected: Snowflakes{"123", "456"},
		},
		{
			name:     "empty string",
			input:    "",
			expected: nil,
		},
		{
			name:     "nil",
			input:    nil,
			expected: nil,
		},
	}

	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				var s Snowflakes
				require.NoError(t, s.Scan(tc.input))
				assert.Equal(t, tc.expected, s)
			},
		)
	}
}

func TestSnowflakes_ScanBadType(t *testing.T) {
	var s Snowflakes
	assert.Error(t, s.Scan(12345))
}

func TestSnowflakes_Value(t *testing.T) {
	s := Snowflakes{"123", "456"}
	v, err := s.Value()
	require.NoError(t, err)
	assert.Equal(t, "123,456", v)

	var empty Snowflakes
	v, err = empty.Value()
	require.NoError(t, err)
	assert.Equal(t, "", v)
}

func TestSnowflakes_SetOperations(t *testing.T) {
	s := Snowflakes{"10", "20", "30"}

	assert.True(t, s.Contains("10"))
	assert.False(t, s.Contains("40"))

	assert.True(t, s.ContainsAny(Snowflakes{"40", "30"}))
	assert.False(t, s.ContainsAny(Snowflakes{"40", "50"}))
	assert.False(t, s.ContainsAny(nil))

	assert.True(t, Snowflakes{"10", "20"}.SubsetOf(s))
	assert.False(t, Snowflakes{"10", "40"}.SubsetOf(s))

	// empty set is vacuously a subset of anything
	assert.True(t, Snowflakes(nil).SubsetOf(s))
	assert.True(t, Snowflakes(nil).SubsetOf(nil))
}

func TestRoleMatchMode_Scan(t *testing.T) {
	testCases := []struct {
		name      string
		input     any
		expected  RoleMatchMode
		expectErr bool
	}{
		{name: "none", input: "none", expected: RoleMatchNone},
		{name: "any", input: "any", expected: RoleMatchAny},
		{name: "all", input: "all", expected: RoleMatchAll},
		{name: "uppercase", input: "ANY", expected: RoleMatchAny},
		{name: "byte slice", input: []byte("none"), expected: RoleMatchNone},
		{name: "unknown mode", input: "sometimes", expectErr: true},
		{name: "empty", input: "", expectErr: true},
		{name: "bad type", input: 42, expectErr: true},
	}

	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				var m RoleMatchMode
				err := m.Scan(tc.input)
				if tc.expectErr {
					require.Error(t, err)
					return
				}
				require.NoError(t, err)
				assert.Equal(t, tc.expected, m)
			},
		)
	}
}

func TestAccessRule_Specificity(t *testing.T) {
	testCases := []struct {
		name     string
		rule     AccessRule
		expected int
	}{
		{
			name:     "guild-wide default",
			rule:     AccessRule{},
			expected: 0,
		},
		{
			name:     "channels only",
			rule:     AccessRule{Channels: Snowflakes{"c1"}},
			expected: 1,
		},
		{
			name:     "commands only",
			rule:     AccessRule{Commands: Snowflakes{"echo"}},
			expected: 2,
		},
		{
			name: "commands and channels",
			rule: AccessRule{
				Commands: Snowflakes{"echo"},
				Channels: Snowflakes{"c1"},
			},
			expected: 3,
		},
	}

	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				assert.Equal(t, tc.expected, tc.rule.Specificity())
			},
		)
	}
}

func TestAccessRule_AppliesTo(t *testing.T) {
	testCases := []struct {
		name       string
		rule       AccessRule
		command    string
		channelID  string
		categoryID string
		expected   bool
	}{
		{
			name:      "empty scopes match everything",
			rule:      AccessRule{},
			command:   "echo",
			channelID: "c1",
			expected:  true,
		},
		{
			name:      "command match",
			rule:      AccessRule{Commands: Snowflakes{"echo", "ping"}},
			command:   "ping",
			channelID: "c1",
			expected:  true,
		},
		{
			name:      "command mismatch",
			rule:      AccessRule{Commands: Snowflakes{"echo"}},
			command:   "ping",
			channelID: "c1",
			expected:  false,
		},
		{
			name:      "channel match",
			rule:      AccessRule{Channels: Snowflakes{"c1"}},
			command:   "echo",
			channelID: "c1",
			expected:  true,
		},
		{
			name:       "category match",
			rule:       AccessRule{Channels: Snowflakes{"cat1"}},
			command:    "echo",
			channelID:  "c1",
			categoryID: "cat1",
			expected:   true,
		},
		{
			name:       "channel and category mismatch",
			rule:       AccessRule{Channels: Snowflakes{"c2"}},
			command:    "echo",
			channelID:  "c1",
			categoryID: "cat1",
			expected:   false,
		},
		{
			name: "command match but channel mismatch",
			rule: AccessRule{
				Commands: Snowflakes{"echo"},
				Channels: Snowflakes{"c2"},
			},
			command:   "echo",
			channelID: "c1",
			expected:  false,
		},
	}

	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				assert.Equal(
					t,
					tc.expected,
					tc.rule.AppliesTo(tc.command, tc.channelID, tc.categoryID),
				)
			},
		)
	}
}

func TestAccessRule_Test(t *testing.T) {
	testCases := []struct {
		name        string
		mode        RoleMatchMode
		ruleRoles   Snowflakes
		callerRoles Snowflakes
		satisfied   bool
	}{
		{
			name:        "none satisfied",
			mode:        RoleMatchNone,
			ruleRoles:   Snowflakes{"10"},
			callerRoles: Snowflakes{"20"},
			satisfied:   true,
		},
		{
			name:        "none unsatisfied",
			mode:        RoleMatchNone,
			ruleRoles:   Snowflakes{"10"},
			callerRoles: Snowflakes{"10", "20"},
			satisfied:   false,
		},
		{
			name:        "any satisfied",
			mode:        RoleMatchAny,
			ruleRoles:   Snowflakes{"10", "20"},
			callerRoles: Snowflakes{"20"},
			satisfied:   true,
		},
		{
			name:        "any unsatisfied",
			mode:        RoleMatchAny,
			ruleRoles:   Snowflakes{"10"},
			callerRoles: Snowflakes{"20"},
			satisfied:   false,
		},
		{
			name:        "all satisfied",
			mode:        RoleMatchAll,
			ruleRoles:   Snowflakes{"10", "20"},
			callerRoles: Snowflakes{"10", "20", "30"},
			satisfied:   true,
		},
		{
			name:        "all unsatisfied",
			mode:        RoleMatchAll,
			ruleRoles:   Snowflakes{"10", "20"},
			callerRoles: Snowflakes{"10"},
			satisfied:   false,
		},
		{
			name:        "none with empty role set is vacuously true",
			mode:        RoleMatchNone,
			callerRoles: Snowflakes{"10"},
			satisfied:   true,
		},
		{
			name:        "any with empty role set is vacuously false",
			mode:        RoleMatchAny,
			callerRoles: Snowflakes{"10"},
			satisfied:   false,
		},
		{
			name:        "all with empty role set is vacuously true",
			mode:        RoleMatchAll,
			callerRoles: Snowflakes{"10"},
			satisfied:   true,
		},
		{
			name:      "caller with no roles against none",
			mode:      RoleMatchNone,
			ruleRoles: Snowflakes{"10"},
			satisfied: true,
		},
	}

	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				rule := AccessRule{Mode: tc.mode, Roles: tc.ruleRoles}
				satisfied, err := rule.Test(tc.callerRoles)
				require.NoError(t, err)
				assert.Equal(t, tc.satisfied, satisfied)
			},
		)
	}
}

func TestAccessRule_TestUnknownMode(t *testing.T) {
	rule := AccessRule{Mode: "sometimes", Roles: Snowflakes{"10"}}
	satisfied, err := rule.Test(Snowflakes{"10"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownRoleMatchMode)
	assert.False(t, satisfied)
}

func TestEvaluateRules_EmptyAllows(t *testing.T) {
	allowed, failed, err := EvaluateRules(nil, Snowflakes{"10"})
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Empty(t, failed)
}

func TestEvaluateRules_SingleRule(t *testing.T) {
	rules := []AccessRule{
		{Mode: RoleMatchAny, Roles: Snowflakes{"10"}},
	}

	allowed, failed, err := EvaluateRules(rules, Snowflakes{"10"})
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Empty(t, failed)

	allowed, failed, err = EvaluateRules(rules, Snowflakes{"20"})
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Len(t, failed, 1)
}

func TestEvaluateRules_AnyPassAtTierAllows(t *testing.T) {
	// both rules are at the same tier: one failing, one passing.
	// a single pass is enough.
	rules := []AccessRule{
		{
			Name:     "mods only",
			Commands: Snowflakes{"echo"},
			Mode:     RoleMatchAny,
			Roles:    Snowflakes{"mod"},
		},
		{
			Name:     "members ok",
			Commands: Snowflakes{"echo"},
			Mode:     RoleMatchAny,
			Roles:    Snowflakes{"member"},
		},
	}

	allowed, failed, err := EvaluateRules(rules, Snowflakes{"member"})
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Empty(t, failed)
}

func TestEvaluateRules_MostSpecificTierWins(t *testing.T) {
	// the channel-scoped rule would allow the caller, but the
	// command-scoped tier is more specific and fails unanimously.
	// the lower tier is never consulted.
	channelRule := AccessRule{
		Name:     "channel allow",
		Channels: Snowflakes{"c1"},
		Mode:     RoleMatchAny,
		Roles:    Snowflakes{"10", "20"},
	}
	commandRule := AccessRule{
		Name:         "command deny",
		Commands:     Snowflakes{"echo"},
		Mode:         RoleMatchNone,
		Roles:        Snowflakes{"10"},
		ErrorMessage: "no echo for you",
	}

	allowed, failed, err := EvaluateRules(
		[]AccessRule{channelRule, commandRule},
		Snowflakes{"10"},
	)
	require.NoError(t, err)
	assert.False(t, allowed)
	require.Len(t, failed, 1)
	assert.Equal(t, "command deny", failed[0].Name)

	// a caller that satisfies the winning tier is allowed, regardless
	// of the lower tier
	allowed, failed, err = EvaluateRules(
		[]AccessRule{channelRule, commandRule},
		Snowflakes{"20"},
	)
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Empty(t, failed)
}

func TestEvaluateRules_UnanimousFailureDenies(t *testing.T) {
	rules := []AccessRule{
		{
			Commands:     Snowflakes{"echo"},
			Mode:         RoleMatchAny,
			Roles:        Snowflakes{"mod"},
			ErrorMessage: "mods only",
		},
		{
			Commands: Snowflakes{"echo"},
			Mode:     RoleMatchAll,
			Roles:    Snowflakes{"mod", "admin"},
		},
	}

	allowed, failed, err := EvaluateRules(rules, Snowflakes{"member"})
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Len(t, failed, 2)
}

func TestEvaluateRules_UnknownModeIsHardError(t *testing.T) {
	rules := []AccessRule{
		{Mode: "sometimes", Roles: Snowflakes{"10"}},
		{Mode: RoleMatchNone},
	}

	allowed, failed, err := EvaluateRules(rules, Snowflakes{"10"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownRoleMatchMode)
	assert.False(t, allowed)
	assert.Empty(t, failed)
}

func TestAccessDeniedError(t *testing.T) {
	denied := &AccessDeniedError{
		Command: "echo",
		Rules: []AccessRule{
			{ErrorMessage: "mods only"},
			{ErrorMessage: "mods only"},
			{},
			{ErrorMessage: "try another channel"},
		},
	}

	assert.Contains(t, denied.Error(), "echo")

	// duplicates collapse, rules without a message get the default
	messages := denied.Messages()
	assert.Equal(
		t,
		[]string{
			"mods only",
			DefaultAccessDeniedMessage,
			"try another channel",
		},
		messages,
	)
}

func TestGormRuleSource(t *testing.T) {
	db := setupTestDB(t)
	source := NewRuleSource(db)

	rules := []AccessRule{
		{
			GuildID: "g1",
			Name:    "guild default",
			Mode:    RoleMatchNone,
			Enabled: true,
		},
		{
			GuildID:  "g1",
			Name:     "echo rule",
			Commands: Snowflakes{"echo"},
			Mode:     RoleMatchAny,
			Roles:    Snowflakes{"10"},
			Enabled:  true,
		},
		{
			GuildID:  "g1",
			Name:     "disabled rule",
			Commands: Snowflakes{"echo"},
			Mode:     RoleMatchAny,
			Enabled:  false,
		},
		{
			GuildID: "g2",
			Name:    "other guild",
			Mode:    RoleMatchAny,
			Enabled: true,
		},
		{
			GuildID:  "g1",
			Name:     "other command",
			Commands: Snowflakes{"ping"},
			Mode:     RoleMatchAny,
			Enabled:  true,
		},
	}
	for i := range rules {
		require.NoError(t, db.Create(&rules[i]).Error)
	}

	ctx := context.Background()
	found, err := source.Rules(ctx, "g1", "echo", "c1", "")
	require.NoError(t, err)

	names := make([]string, 0, len(found))
	for _, rule := range found {
		names = append(names, rule.Name)
	}
	assert.ElementsMatch(t, []string{"guild default", "echo rule"}, names)
}

// stubRuleSource returns canned rules (or an error), counting fetches.
type stubRuleSource struct {
	rules []AccessRule
	err   error
	calls int
}

func (s *stubRuleSource) Rules(
	_ context.Context,
	_ string,
	_ string,
	_ string,
	_ string,
) ([]AccessRule, error) {
	s.calls++
	return s.rules, s.err
}

func TestGuard_OwnerAndAdminBypass(t *testing.T) {
	// the bypass happens before any rule fetch: even an erroring
	// source can't deny an owner or administrator
	source := &stubRuleSource{err: errors.New("rule fetch should not happen")}
	guard := NewGuard(source, nil)

	inv := Invocation{
		GuildID:   "g1",
		Command:   "echo",
		ChannelID: "c1",
		UserID:    "u1",
		Owner:     true,
	}
	require.NoError(t, guard.Check(context.Background(), inv))

	inv.Owner = false
	inv.Administrator = true
	require.NoError(t, guard.Check(context.Background(), inv))

	assert.Zero(t, source.calls)
}

func TestGuard_Denies(t *testing.T) {
	source := &stubRuleSource{
		rules: []AccessRule{
			{
				Commands:     Snowflakes{"echo"},
				Mode:         RoleMatchAny,
				Roles:        Snowflakes{"mod"},
				ErrorMessage: "mods only",
			},
		},
	}
	guard := NewGuard(source, nil)

	err := guard.Check(
		context.Background(), Invocation{
			GuildID:   "g1",
			Command:   "echo",
			ChannelID: "c1",
			UserID:    "u1",
			Roles:     Snowflakes{"member"},
		},
	)
	require.Error(t, err)

	var denied *AccessDeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, "echo", denied.Command)
	assert.Equal(t, []string{"mods only"}, denied.Messages())
	assert.Equal(t, 1, source.calls)
}

func TestGuard_Allows(t *testing.T) {
	source := &stubRuleSource{
		rules: []AccessRule{
			{
				Commands: Snowflakes{"echo"},
				Mode:     RoleMatchAny,
				Roles:    Snowflakes{"member"},
			},
		},
	}
	guard := NewGuard(source, nil)

	err := guard.Check(
		context.Background(), Invocation{
			GuildID:   "g1",
			Command:   "echo",
			ChannelID: "c1",
			UserID:    "u1",
			Roles:     Snowflakes{"member"},
		},
	)
	require.NoError(t, err)
}

func TestGuard_FetchErrorPropagates(t *testing.T) {
	fetchErr := errors.New("database exploded")
	source := &stubRuleSource{err: fetchErr}
	guard := NewGuard(source, nil)

	err := guard.Check(
		context.Background(), Invocation{
			GuildID:   "g1",
			Command:   "echo",
			ChannelID: "c1",
			UserID:    "u1",
		},
	)
	require.Error(t, err)
	assert.ErrorIs(t, err, fetchErr)

	var denied *AccessDeniedError
	assert.False(t, errors.As(err, &denied))
}

func TestGuard_MisconfiguredRuleErrors(t *testing.T) {
	source := &stubRuleSource{
		rules: []AccessRule{{Mode: "sometimes"}},
	}
	guard := NewGuard(source, nil)

	err := guard.Check(
		context.Background(), Invocation{
			GuildID:   "g1",
			Command:   "echo",
			ChannelID: "c1",
			UserID:    "u1",
		},
	)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownRoleMatchMode)
}
