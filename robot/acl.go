package robot

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"gorm.io/gorm"
)

const (
	// RoleMatchNone is satisfied when the caller holds none of the
	// rule's roles.
	RoleMatchNone RoleMatchMode = "none"

	// RoleMatchAny is satisfied when the caller holds at least one
	// of the rule's roles.
	RoleMatchAny RoleMatchMode = "any"

	// RoleMatchAll is satisfied only when the caller holds every one
	// of the rule's roles.
	RoleMatchAll RoleMatchMode = "all"
)

// DefaultAccessDeniedMessage is shown when a denying rule has no
// error message of its own.
const DefaultAccessDeniedMessage = "You aren't allowed to use this command here."

var (
	// ErrUnknownRoleMatchMode indicates an [AccessRule] was stored with a
	// mode outside none/any/all. This is a configuration fault: evaluation
	// stops rather than treating the rule as unsatisfied, so a bad row
	// can't silently deny (or allow) anything.
	ErrUnknownRoleMatchMode = errors.New("unknown role match mode")
)

var (
	columnAccessRuleGuildID = "guild_id"
	columnAccessRuleEnabled = "enabled"
)

// RoleMatchMode determines how an [AccessRule]'s role set is compared
// against the roles held by the invoking member.
type RoleMatchMode string

// Scan implements the sql.Scanner interface.
func (m *RoleMatchMode) Scan(value any) error {
	switch v := value.(type) {
	case []byte:
		return m.parse(string(v))
	case string:
		return m.parse(v)
	default:
		return fmt.Errorf("unexpected type for RoleMatchMode: %T", value)
	}
}

// Value implements the driver.Valuer interface.
func (m RoleMatchMode) Value() (driver.Value, error) {
	return string(m), nil
}

// GormDataType is used by GORM to determine the default data type for a field.
func (RoleMatchMode) GormDataType() string {
	return "string"
}

func (m *RoleMatchMode) parse(s string) error {
	switch RoleMatchMode(strings.ToLower(s)) {
	case RoleMatchNone, RoleMatchAny, RoleMatchAll:
		*m = RoleMatchMode(strings.ToLower(s))
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownRoleMatchMode, s)
	}
}

// Snowflakes is a set of Discord snowflake IDs (or command names), stored
// as a single comma-delimited column. Discord snowflakes are numeric and
// command names can't contain commas, so the delimiter is unambiguous.
type Snowflakes []string

// Scan implements the sql.Scanner interface.
func (s *Snowflakes) Scan(value any) error {
	switch v := value.(type) {
	case []byte:
		s.parse(string(v))
	case string:
		s.parse(v)
	case nil:
		*s = nil
	default:
		return fmt.Errorf("unexpected type for Snowflakes: %T", value)
	}
	return nil
}

// Value implements the driver.Valuer interface.
func (s Snowflakes) Value() (driver.Value, error) {
	return strings.Join(s, ","), nil
}

// GormDataType is used by GORM to determine the default data type for a field.
func (Snowflakes) GormDataType() string {
	return "string"
}

func (s *Snowflakes) parse(v string) {
	*s = nil
	for _, id := range strings.Split(v, ",") {
		id = strings.TrimSpace(id)
		if id != "" {
			*s = append(*s, id)
		}
	}
}

// Contains reports whether id is a member of the set.
func (s Snowflakes) Contains(id string) bool {
	for _, member := range s {
		if member == id {
			return true
		}
	}
	return false
}

// ContainsAny reports whether the intersection of the set and ids
// is non-empty.
func (s Snowflakes) ContainsAny(ids Snowflakes) bool {
	for _, id := range ids {
		if s.Contains(id) {
			return true
		}
	}
	return false
}

// SubsetOf reports whether every member of the set is also in other.
// An empty set is a subset of anything.
func (s Snowflakes) SubsetOf(other Snowflakes) bool {
	for _, id := range s {
		if !other.Contains(id) {
			return false
		}
	}
	return true
}

// AccessRule restricts who may invoke a command in a channel, expressed
// as a role-set test. Rules are created and edited through the admin API;
// the bot only ever reads them.
//
// An empty Commands set applies the rule to every command; an empty
// Channels set applies it to every channel. Narrower scope gives a rule
// higher specificity, and only the most specific applicable tier of rules
// is ever consulted for a given invocation.
//
//nolint:lll // struct tags can't be split
type AccessRule struct {
	ModelUintID
	ModelUnixTime

	// GuildID is the Discord server this rule belongs to
	GuildID string `json:"guild_id" gorm:"index;type:string" binding:"required"`

	// Name is an optional label shown in the dashboard
	Name string `json:"name" gorm:"type:string"`

	// Commands this rule applies to. Empty = all commands.
	Commands Snowflakes `json:"commands"`

	// Channels (or channel categories) this rule applies to.
	// Empty = all channels.
	Channels Snowflakes `json:"channels"`

	// Roles referenced by the rule
	Roles Snowflakes `json:"roles"`

	// Mode determines how Roles is matched against the caller's roles
	Mode RoleMatchMode `json:"mode" binding:"required,oneof=none any all"`

	// Enabled rules participate in evaluation; disabled rules are
	// kept for the dashboard but never fetched.
	Enabled bool `json:"enabled" gorm:"type:bool;default:true"`

	// ErrorMessage is shown to the user when this rule is part of the
	// denying tier. Optional.
	ErrorMessage string `json:"error_message" gorm:"type:string"`
}

func (r AccessRule) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("id", uint64(r.ID)),
		slog.String(columnAccessRuleGuildID, r.GuildID),
		slog.String("name", r.Name),
		slog.String("mode", string(r.Mode)),
		slog.Any("commands", []string(r.Commands)),
		slog.Any("channels", []string(r.Channels)),
		slog.Any("roles", []string(r.Roles)),
		slog.Bool(columnAccessRuleEnabled, r.Enabled),
	)
}

// Specificity ranks the rule by how narrowly it's scoped: a rule naming
// both commands and channels outranks one naming only commands, which
// outranks one naming only channels, which outranks a guild-wide default.
// It's a pure function of the two scope sets - computed when needed and
// stable for the lifetime of an evaluation pass.
func (r AccessRule) Specificity() int {
	specificity := 0
	if len(r.Commands) > 0 {
		specificity += 2
	}
	if len(r.Channels) > 0 {
		specificity++
	}
	return specificity
}

// AppliesTo reports whether the rule is applicable to an invocation of
// the named command in the given channel (or its parent category).
// Empty scope sets match everything.
func (r AccessRule) AppliesTo(command string, channelID string, categoryID string) bool {
	if len(r.Commands) > 0 && !r.Commands.Contains(command) {
		return false
	}
	if len(r.Channels) > 0 &&
		!r.Channels.Contains(channelID) &&
		(categoryID == "" || !r.Channels.Contains(categoryID)) {
		return false
	}
	return true
}

// Test reports whether the rule is satisfied by the given caller role set.
//
// With an empty rule role set, [RoleMatchNone] and [RoleMatchAll] are
// vacuously true, and [RoleMatchAny] is vacuously false.
//
// A mode outside none/any/all returns [ErrUnknownRoleMatchMode] - never
// a silent false, which would be indistinguishable from an ordinary
// unsatisfied rule.
func (r AccessRule) Test(callerRoles Snowflakes) (bool, error) {
	switch r.Mode {
	case RoleMatchNone:
		return !r.Roles.ContainsAny(callerRoles), nil
	case RoleMatchAny:
		return r.Roles.ContainsAny(callerRoles), nil
	case RoleMatchAll:
		return r.Roles.SubsetOf(callerRoles), nil
	default:
		return false, fmt.Errorf("%w: %q (rule %d)", ErrUnknownRoleMatchMode, r.Mode, r.ID)
	}
}

// DenialMessage returns the rule's error message, or a default when
// it has none.
func (r AccessRule) DenialMessage() string {
	if r.ErrorMessage != "" {
		return r.ErrorMessage
	}
	return DefaultAccessDeniedMessage
}

// EvaluateRules applies the "most specific tier wins" policy: rules are
// bucketed by specificity, and only the most specific non-empty bucket is
// consulted. If any rule in that bucket is satisfied, the invocation is
// allowed; if every rule in it fails, the invocation is denied and that
// bucket is returned as the failure set. Lower tiers are never consulted
// either way. An empty rule list allows by default.
//
// Denial requires unanimous failure at the winning tier, so the policy
// has a permissive bias: one satisfied rule is enough.
func EvaluateRules(rules []AccessRule, callerRoles Snowflakes) (
	allowed bool,
	failed []AccessRule,
	err error,
) {
	if len(rules) == 0 {
		return true, nil, nil
	}

	tiers := map[int][]AccessRule{}
	for _, rule := range rules {
		specificity := rule.Specificity()
		tiers[specificity] = append(tiers[specificity], rule)
	}

	keys := make([]int, 0, len(tiers))
	for k := range tiers {
		keys = append(keys, k)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(keys)))

	// only the highest tier is ever evaluated - a pass short-circuits,
	// and a unanimous failure is a hard stop, not a fallthrough
	winning := tiers[keys[0]]
	for _, rule := range winning {
		satisfied, testErr := rule.Test(callerRoles)
		if testErr != nil {
			return false, nil, testErr
		}
		if satisfied {
			return true, nil, nil
		}
	}
	return false, winning, nil
}

// AccessDeniedError is the routine "not allowed" outcome of a guard
// check. It carries the rules that failed at the winning specificity
// tier so the Discord layer can explain the denial to the user.
type AccessDeniedError struct {
	Command string
	Rules   []AccessRule
}

func (e *AccessDeniedError) Error() string {
	return fmt.Sprintf(
		"command %q denied by %d access rule(s)",
		e.Command,
		len(e.Rules),
	)
}

// Messages returns the deduplicated denial messages of the failing rules,
// for presentation to the user.
func (e *AccessDeniedError) Messages() []string {
	seen := map[string]bool{}
	var messages []string
	for _, rule := range e.Rules {
		msg := rule.DenialMessage()
		if !seen[msg] {
			seen[msg] = true
			messages = append(messages, msg)
		}
	}
	return messages
}

// RuleSource supplies the enabled [AccessRule] records applicable to a
// single command invocation. Implementations must honor the passed
// context: the fetch is the only suspension point of a guard check, and
// an abandoned read has no side effects.
type RuleSource interface {
	Rules(
		ctx context.Context,
		guildID string,
		command string,
		channelID string,
		categoryID string,
	) ([]AccessRule, error)
}

// gormRuleSource reads rules from the database. Guild scoping is pushed
// into the query; command/channel applicability is decided in Go, since
// the scope sets live in delimited columns.
type gormRuleSource struct {
	db *gorm.DB
}

// NewRuleSource returns a [RuleSource] backed by the given database.
func NewRuleSource(db *gorm.DB) RuleSource {
	return gormRuleSource{db: db}
}

func (s gormRuleSource) Rules(
	ctx context.Context,
	guildID string,
	command string,
	channelID string,
	categoryID string,
) ([]AccessRule, error) {
	var guildRules []AccessRule
	err := s.db.WithContext(ctx).Where(
		"guild_id = ? AND enabled = ?",
		guildID,
		true,
	).Find(&guildRules).Error
	if err != nil {
		return nil, fmt.Errorf("error fetching access rules: %w", err)
	}

	var applicable []AccessRule
	for _, rule := range guildRules {
		if rule.AppliesTo(command, channelID, categoryID) {
			applicable = append(applicable, rule)
		}
	}
	return applicable, nil
}

// Invocation is the ephemeral caller context for a single guard check:
// who's invoking what, where, and with which roles. Nothing here is
// stored or retained past the check.
type Invocation struct {
	GuildID    string
	Command    string
	ChannelID  string
	CategoryID string
	UserID     string
	Roles      Snowflakes

	// Administrator is true when the member has the administrator
	// permission in the invoking channel
	Administrator bool

	// Owner is true when the member owns the guild
	Owner bool
}

func (inv Invocation) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("guild_id", inv.GuildID),
		slog.String("command", inv.Command),
		slog.String("channel_id", inv.ChannelID),
		slog.String("category_id", inv.CategoryID),
		slog.String("user_id", inv.UserID),
		slog.Any("roles", []string(inv.Roles)),
		slog.Bool("administrator", inv.Administrator),
		slog.Bool("owner", inv.Owner),
	)
}

// Guard performs the per-invocation access check: owner/administrator
// bypass first, then a fresh rule fetch, then tier evaluation. It holds
// no state between checks.
type Guard struct {
	source RuleSource
	logger *slog.Logger
}

// NewGuard returns a Guard reading rules from the given source.
func NewGuard(source RuleSource, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{source: source, logger: logger.With(loggerNameKey, "guard")}
}

// Check decides whether the invocation may proceed. It returns nil to
// allow, an [*AccessDeniedError] to deny, or another error when the rule
// fetch fails or a rule is misconfigured - in which case the dispatch
// should abort with a generic error rather than silently allowing.
//
// Guild owners and administrators bypass the check unconditionally,
// before any rules are read.
func (g *Guard) Check(ctx context.Context, inv Invocation) error {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = g.logger
	}

	if inv.Owner || inv.Administrator {
		logger.DebugContext(ctx, "owner/administrator bypass", "invocation", inv)
		return nil
	}

	rules, err := g.source.Rules(
		ctx,
		inv.GuildID,
		inv.Command,
		inv.ChannelID,
		inv.CategoryID,
	)
	if err != nil {
		return err
	}

	allowed, failingRules, err := EvaluateRules(rules, inv.Roles)
	if err != nil {
		return err
	}
	if allowed {
		return nil
	}

	logger.InfoContext(
		ctx,
		"command invocation denied",
		"invocation", inv,
		"failing_rules", len(failingRules),
	)
	return &AccessDeniedError{Command: inv.Command, Rules: failingRules}
}
