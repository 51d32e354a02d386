// Package ruleconfig loads forwarding rules and access-control entries
// from a YAML file and turns them into domain objects, so an operator
// can manage rules declaratively instead of only through direct
// database writes.
package ruleconfig

import (
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"relaycore/internal/domain/relay"
	"relaycore/internal/domain/relay/valueobjects"
	"relaycore/internal/shared/errors"
)

// RuleSpec is the YAML representation of a forwarding rule.
type RuleSpec struct {
	Name                 string `yaml:"name" validate:"required"`
	SourceIP             string `yaml:"source_ip"`
	SourcePort           uint16 `yaml:"source_port" validate:"required"`
	TargetIP             string `yaml:"target_ip" validate:"required"`
	TargetPort           uint16 `yaml:"target_port" validate:"required"`
	Protocol             string `yaml:"protocol" validate:"required,oneof=TCP UDP TCP_UDP"`
	UDPMode              string `yaml:"udp_mode" validate:"omitempty,oneof=POINT_TO_POINT BROADCAST"`
	AutoReconnect        bool   `yaml:"auto_reconnect"`
	ReconnectIntervalMs  int64  `yaml:"reconnect_interval_ms"`
	MaxReconnectAttempts int    `yaml:"max_reconnect_attempts"`
	PoolSize             int    `yaml:"pool_size"`
	Enabled              bool   `yaml:"enabled"`

	AccessRules []AccessRuleSpec `yaml:"access_rules"`
}

// AccessRuleSpec is the YAML representation of a single CIDR
// allow/deny entry, scoped to the enclosing RuleSpec.
type AccessRuleSpec struct {
	CIDR     string `yaml:"cidr" validate:"required"`
	Action   string `yaml:"action" validate:"required,oneof=ALLOW DENY"`
	Priority int    `yaml:"priority"`
	Enabled  bool   `yaml:"enabled"`
}

// Document is the top-level shape of a rules file: a flat list of
// rules, each carrying its own scoped access rules.
type Document struct {
	Rules []RuleSpec `yaml:"rules"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Load reads and parses path into a Document, without validating or
// converting it.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}

	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse rules file: %w", err)
	}
	return &doc, nil
}

// ParsedRule pairs a domain Rule with the access rules scoped to it,
// before either has been assigned a persisted ID.
type ParsedRule struct {
	Rule        *relay.Rule
	AccessRules []*relay.AccessRule
}

// ToDomain validates doc and converts every entry into domain objects.
// A single invalid rule fails the whole document: a partially-applied
// rules file is worse than an operator-visible startup error.
func ToDomain(doc *Document) ([]ParsedRule, error) {
	parsed := make([]ParsedRule, 0, len(doc.Rules))
	for i, spec := range doc.Rules {
		rule, accessRules, err := specToDomain(spec)
		if err != nil {
			return nil, fmt.Errorf("rules[%d] %q: %w", i, spec.Name, err)
		}
		parsed = append(parsed, ParsedRule{Rule: rule, AccessRules: accessRules})
	}
	return parsed, nil
}

func specToDomain(spec RuleSpec) (*relay.Rule, []*relay.AccessRule, error) {
	if err := validate.Struct(spec); err != nil {
		return nil, nil, errors.NewValidationError("invalid rule spec", err.Error())
	}

	udpMode := valueobjects.UDPMode(spec.UDPMode)
	if udpMode == "" {
		udpMode = valueobjects.UDPModePointToPoint
	}

	rule, err := relay.NewRule(
		spec.Name,
		spec.SourceIP,
		spec.SourcePort,
		spec.TargetIP,
		spec.TargetPort,
		valueobjects.Protocol(spec.Protocol),
		udpMode,
		spec.AutoReconnect,
		spec.ReconnectIntervalMs,
		spec.MaxReconnectAttempts,
		spec.PoolSize,
	)
	if err != nil {
		return nil, nil, err
	}
	if spec.Enabled {
		rule.Enable()
	}

	accessRules := make([]*relay.AccessRule, 0, len(spec.AccessRules))
	for j, arSpec := range spec.AccessRules {
		if err := validate.Struct(arSpec); err != nil {
			return nil, nil, fmt.Errorf("access_rules[%d]: %w", j, errors.NewValidationError("invalid access rule spec", err.Error()))
		}
		ar, err := relay.NewAccessRule(nil, arSpec.CIDR, valueobjects.AccessAction(arSpec.Action), arSpec.Priority, arSpec.Enabled)
		if err != nil {
			return nil, nil, fmt.Errorf("access_rules[%d]: %w", j, err)
		}
		accessRules = append(accessRules, ar)
	}

	return rule, accessRules, nil
}
