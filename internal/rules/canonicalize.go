// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package rules

import (
	"encoding/json"

	"github.com/autobrr/qui-automaton/internal/domain"
)

// legacyConditions is the pre-grouping, flat rule-condition shape:
// a single implicit group.
type legacyConditions struct {
	LogicOperator domain.LogicOperator `json:"logic_operator"`
	Conditions    []domain.Condition   `json:"conditions"`
}

// groupedConditions is the canonical, persisted shape.
type groupedConditions struct {
	LogicOperator domain.LogicOperator    `json:"logic_operator"`
	Groups        []domain.ConditionGroup `json:"groups"`
}

// CanonicalizeRule parses the serialized condition form from a rule's
// groups_json column, transparently accepting either the legacy flat
// form (a single group) or the canonical grouped form. Unknown keys in
// the JSON are ignored. Empty input yields an empty, always-matching
// rule (no groups, outer AND).
func CanonicalizeRule(raw []byte) (domain.LogicOperator, []domain.ConditionGroup, error) {
	if len(raw) == 0 {
		return domain.LogicAnd, nil, nil
	}

	var probe struct {
		Groups []json.RawMessage `json:"groups"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return "", nil, err
	}

	if probe.Groups != nil {
		var g groupedConditions
		if err := json.Unmarshal(raw, &g); err != nil {
			return "", nil, err
		}
		op := g.LogicOperator
		if op == "" {
			op = domain.LogicAnd
		}
		return op, g.Groups, nil
	}

	var flat legacyConditions
	if err := json.Unmarshal(raw, &flat); err != nil {
		return "", nil, err
	}
	if len(flat.Conditions) == 0 {
		return domain.LogicAnd, nil, nil
	}
	groupOp := flat.LogicOperator
	if groupOp == "" {
		groupOp = domain.LogicAnd
	}
	return domain.LogicAnd, []domain.ConditionGroup{{LogicOperator: groupOp, Conditions: flat.Conditions}}, nil
}

// MarshalGroups serializes the canonical grouped form for persistence;
// save_rules always writes this shape, never the legacy flat one.
func MarshalGroups(outerOp domain.LogicOperator, groups []domain.ConditionGroup) ([]byte, error) {
	if outerOp == "" {
		outerOp = domain.LogicAnd
	}
	return json.Marshal(groupedConditions{LogicOperator: outerOp, Groups: groups})
}
