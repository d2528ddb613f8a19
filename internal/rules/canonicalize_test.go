// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/qui-automaton/internal/domain"
)

func TestCanonicalizeRule_Empty(t *testing.T) {
	op, groups, err := CanonicalizeRule(nil)
	require.NoError(t, err)
	assert.Equal(t, domain.LogicAnd, op)
	assert.Nil(t, groups)
}

func TestCanonicalizeRule_LegacyFlat(t *testing.T) {
	raw := []byte(`{"logic_operator":"or","conditions":[{"field":"progress","operator":"gte","value":0.9}]}`)

	op, groups, err := CanonicalizeRule(raw)
	require.NoError(t, err)
	assert.Equal(t, domain.LogicAnd, op)
	require.Len(t, groups, 1)
	assert.Equal(t, domain.LogicOr, groups[0].LogicOperator)
	require.Len(t, groups[0].Conditions, 1)
	assert.Equal(t, domain.FieldProgress, groups[0].Conditions[0].Field)
}

func TestCanonicalizeRule_LegacyFlat_NoConditions(t *testing.T) {
	raw := []byte(`{"logic_operator":"and","conditions":[]}`)

	op, groups, err := CanonicalizeRule(raw)
	require.NoError(t, err)
	assert.Equal(t, domain.LogicAnd, op)
	assert.Nil(t, groups)
}

func TestCanonicalizeRule_Grouped(t *testing.T) {
	raw := []byte(`{
		"logic_operator": "or",
		"groups": [
			{"logic_operator": "and", "conditions": [{"field": "seeds", "operator": "lt", "value": 1}]},
			{"logic_operator": "or", "conditions": [{"field": "ratio", "operator": "gte", "value": 2}]}
		]
	}`)

	op, groups, err := CanonicalizeRule(raw)
	require.NoError(t, err)
	assert.Equal(t, domain.LogicOr, op)
	require.Len(t, groups, 2)
	assert.Equal(t, domain.LogicAnd, groups[0].LogicOperator)
	assert.Equal(t, domain.LogicOr, groups[1].LogicOperator)
}

func TestCanonicalizeRule_GroupedDefaultsOuterOperator(t *testing.T) {
	raw := []byte(`{"groups": [{"conditions": [{"field": "seeds", "operator": "gt", "value": 0}]}]}`)

	op, groups, err := CanonicalizeRule(raw)
	require.NoError(t, err)
	assert.Equal(t, domain.LogicAnd, op)
	require.Len(t, groups, 1)
}

func TestCanonicalizeRule_Invalid(t *testing.T) {
	_, _, err := CanonicalizeRule([]byte(`not json`))
	assert.Error(t, err)
}

func TestMarshalGroups_RoundTrip(t *testing.T) {
	groups := []domain.ConditionGroup{
		{LogicOperator: domain.LogicAnd, Conditions: []domain.Condition{
			{Field: domain.FieldProgress, Operator: domain.OpGTE, Value: 0.5},
		}},
	}

	encoded, err := MarshalGroups(domain.LogicOr, groups)
	require.NoError(t, err)

	op, decoded, err := CanonicalizeRule(encoded)
	require.NoError(t, err)
	assert.Equal(t, domain.LogicOr, op)
	assert.Equal(t, groups, decoded)
}

func TestMarshalGroups_DefaultsEmptyOuterOperator(t *testing.T) {
	encoded, err := MarshalGroups("", nil)
	require.NoError(t, err)

	op, groups, err := CanonicalizeRule(encoded)
	require.NoError(t, err)
	assert.Equal(t, domain.LogicAnd, op)
	assert.Empty(t, groups)
}
