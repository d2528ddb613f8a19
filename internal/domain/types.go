// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

import "time"

// UserStatus is the lifecycle status of a UserRegistration.
type UserStatus string

const (
	UserStatusActive   UserStatus = "active"
	UserStatusInactive UserStatus = "inactive"
)

// UserRegistration is the process-global, durable record the Registry owns
// for every onboarded user.
type UserRegistration struct {
	AuthID                  string
	EncryptedKey            string
	StorePath               string
	Status                  UserStatus
	HasActiveRules          bool
	NextPollAt              *time.Time
	NonTerminalTorrentCount int
}

// IsDue reports whether a user should be polled right now, per the
// invariant in spec.md §3: active, credentialed, and either past its
// next_poll_at or unscheduled-but-rule-bearing.
func (u UserRegistration) IsDue(now time.Time) bool {
	if u.Status != UserStatusActive || u.EncryptedKey == "" {
		return false
	}
	if u.NextPollAt == nil {
		return u.HasActiveRules
	}
	return !u.NextPollAt.After(now)
}

// TorrentState is the canonical state StateDiffEngine derives from a raw
// upstream snapshot entry.
type TorrentState string

const (
	StateFailed               TorrentState = "failed"
	StateStalled              TorrentState = "stalled"
	StateMetaDL               TorrentState = "metadl"
	StateCheckingResumeData   TorrentState = "checking_resume_data"
	StateCompleted            TorrentState = "completed"
	StateSeeding              TorrentState = "seeding"
	StateUploading            TorrentState = "uploading"
	StateInactive             TorrentState = "inactive"
	StateDownloading          TorrentState = "downloading"
	StateQueued               TorrentState = "queued"
	StateUnknown              TorrentState = "unknown"
)

// TerminalStates are states excluded from the non_terminal_torrent_count,
// per the GLOSSARY.
var TerminalStates = map[TorrentState]bool{
	StateCompleted: true,
	StateFailed:    true,
	StateInactive:  true,
}

// NotStalledStates clears any stalled_since/upload_stalled_since marker
// when a torrent transitions into one of them (spec.md §4.5).
var NotStalledStates = map[TorrentState]bool{
	StateDownloading: true,
	StateUploading:   true,
	StateSeeding:     true,
	StateCompleted:   true,
}

// Torrent is a single snapshot entry as returned by the upstream API,
// exactly the field set spec.md §3 names.
type Torrent struct {
	ID               string
	Name             string
	Tracker          string
	Progress         float64
	DownloadState    string
	Active           bool
	DownloadFinished bool
	DownloadPresent  bool
	DownloadSpeed    float64
	UploadSpeed      float64
	TotalDownloaded  int64
	TotalUploaded    int64
	Seeds            int
	Peers            int
	Ratio            float64
	Size             int64
	FileCount        int
	Private          bool
	Cached           bool
	Availability     float64
	ExpiresAt        *time.Time
	CreatedAt        time.Time
}

// Shadow is the last-seen byte-total/state snapshot persisted per torrent,
// used to compute the next diff.
type Shadow struct {
	TorrentID         string
	LastTotalDownload int64
	LastTotalUpload   int64
	LastState         TorrentState
	CreatedAt         time.Time
}

// Telemetry is the derived activity/stall bookkeeping DerivedFieldsEngine
// maintains per torrent.
type Telemetry struct {
	TorrentID              string
	LastDownloadActivityAt *time.Time
	LastUploadActivityAt   *time.Time
	StalledSince           *time.Time
	UploadStalledSince     *time.Time
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// SpeedSample is one point in a per-torrent time series used for rolling
// average speed computations.
type SpeedSample struct {
	TorrentID       string
	Timestamp       time.Time
	TotalDownloaded int64
	TotalUploaded   int64
}

// RuleExecutionLog is one append-only audit row produced by evaluating a
// rule against a poll's snapshot.
type RuleExecutionLog struct {
	ID          int64
	RuleID      string
	EvaluatedAt time.Time
	Matched     int
	Succeeded   bool
	Message     string
}

// ArchivedDownload records a torrent removed via the archive action.
// TorrentID is unique: archiving twice is a no-op.
type ArchivedDownload struct {
	TorrentID  string
	Name       string
	ArchivedAt time.Time
}

// --- Rules -----------------------------------------------------------------

// LogicOperator combines either the conditions within a group, or the
// groups within a rule.
type LogicOperator string

const (
	LogicAnd LogicOperator = "and"
	LogicOr  LogicOperator = "or"
)

// TriggerType names the kind of event that makes a rule eligible for
// evaluation. Interval is the only trigger type spec.md defines.
type TriggerType string

const TriggerInterval TriggerType = "interval"

// Trigger bounds how often a rule is re-evaluated.
type Trigger struct {
	Type         TriggerType
	ValueMinutes int
}

// EffectiveMinutes enforces the 1-minute floor spec.md §3 requires.
func (t Trigger) EffectiveMinutes() int {
	if t.ValueMinutes < 1 {
		return 1
	}
	return t.ValueMinutes
}

// ConditionField is a case-insensitive atom name drawn from the families
// in spec.md §4.6.
type ConditionField string

const (
	FieldSeedingTime           ConditionField = "seeding_time"
	FieldAge                   ConditionField = "age"
	FieldLastDownloadActivity  ConditionField = "last_download_activity_at"
	FieldLastUploadActivity    ConditionField = "last_upload_activity_at"
	FieldExpiresAt             ConditionField = "expires_at"
	FieldProgress              ConditionField = "progress"
	FieldDownloadSpeed         ConditionField = "download_speed"
	FieldUploadSpeed           ConditionField = "upload_speed"
	FieldAvgDownloadSpeed      ConditionField = "avg_download_speed"
	FieldAvgUploadSpeed        ConditionField = "avg_upload_speed"
	FieldETA                   ConditionField = "eta"
	FieldDownloadStalledTime   ConditionField = "download_stalled_time"
	FieldUploadStalledTime     ConditionField = "upload_stalled_time"
	FieldSeeds                 ConditionField = "seeds"
	FieldPeers                 ConditionField = "peers"
	FieldRatio                 ConditionField = "ratio"
	FieldTotalUploaded         ConditionField = "total_uploaded"
	FieldTotalDownloaded       ConditionField = "total_downloaded"
	FieldFileSize              ConditionField = "file_size"
	FieldFileCount             ConditionField = "file_count"
	FieldName                  ConditionField = "name"
	FieldTracker               ConditionField = "tracker"
	FieldPrivate               ConditionField = "private"
	FieldCached                ConditionField = "cached"
	FieldAllowZip              ConditionField = "allow_zip"
	FieldAvailability          ConditionField = "availability"
	FieldStatus                ConditionField = "status"
	FieldIsActive              ConditionField = "is_active"
	FieldSeedingEnabled        ConditionField = "seeding_enabled"
	FieldLongTermSeeding       ConditionField = "long_term_seeding"
	FieldTags                  ConditionField = "tags"
)

// ConditionOperator is a case-insensitive operator token. The concrete set
// of operators valid for a given field depends on the field's family; the
// evaluator rejects mismatches by returning false rather than erroring.
type ConditionOperator string

const (
	OpGT           ConditionOperator = "gt"
	OpLT           ConditionOperator = "lt"
	OpGTE          ConditionOperator = "gte"
	OpLTE          ConditionOperator = "lte"
	OpEq           ConditionOperator = "eq"
	OpIsAnyOf      ConditionOperator = "is_any_of"
	OpIsNoneOf     ConditionOperator = "is_none_of"
	OpIsTrue       ConditionOperator = "is_true"
	OpIsFalse      ConditionOperator = "is_false"
	OpEquals       ConditionOperator = "equals"
	OpNotEquals    ConditionOperator = "not_equals"
	OpContains     ConditionOperator = "contains"
	OpNotContains  ConditionOperator = "not_contains"
	OpStartsWith   ConditionOperator = "starts_with"
	OpEndsWith     ConditionOperator = "ends_with"
	OpIsAllOf      ConditionOperator = "is_all_of"
	OpHasAny       ConditionOperator = "has_any"
	OpHasAll       ConditionOperator = "has_all"
	OpHasNone      ConditionOperator = "has_none"
)

// Condition is one atomic predicate: a field, an operator, and the
// operator-dependent value(s) to compare against.
type Condition struct {
	Field    ConditionField    `json:"field"`
	Operator ConditionOperator `json:"operator"`
	// Value carries scalar comparisons (numbers, strings, booleans).
	Value interface{} `json:"value,omitempty"`
	// Values carries multi-select/tag comparisons (is_any_of, has_all, ...).
	Values []string `json:"values,omitempty"`
}

// ConditionGroup is a sequence of atomic conditions combined by a single
// intra-group logic operator.
type ConditionGroup struct {
	LogicOperator LogicOperator `json:"logic_operator"`
	Conditions    []Condition   `json:"conditions"`
}

// ActionType names the operation a matching rule performs.
type ActionType string

const (
	ActionStopSeeding ActionType = "stop_seeding"
	ActionForceStart  ActionType = "force_start"
	ActionArchive     ActionType = "archive"
	ActionDelete      ActionType = "delete"
	ActionAddTag      ActionType = "add_tag"
	ActionRemoveTag   ActionType = "remove_tag"
)

// Action is the effect a rule applies to every torrent it matches.
type Action struct {
	Type   ActionType
	Params map[string]string
}

// Rule is a per-user automation rule in canonical (grouped) form. Legacy
// flat rules are canonicalized into a single group on read; see
// CanonicalizeRule in package rules.
type Rule struct {
	ID              string
	Name            string
	Enabled         bool
	Trigger         Trigger
	LogicOperator   LogicOperator
	Groups          []ConditionGroup
	Action          Action
	CooldownMinutes int
	LastExecutedAt  *time.Time
	LastEvaluatedAt *time.Time
	ExecutionCount  int
}
