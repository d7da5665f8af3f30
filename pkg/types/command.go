package types

import (
	"encoding/json"
	"time"
)

// CommandKind enumerates the platform commands the executor understands.
type CommandKind string

const (
	CommandStart          CommandKind = "START"
	CommandStop           CommandKind = "STOP"
	CommandStopAndClose   CommandKind = "STOP_AND_CLOSE"
	CommandPause          CommandKind = "PAUSE"
	CommandResume         CommandKind = "RESUME"
	CommandEmergencyStop  CommandKind = "EMERGENCY_STOP"
	CommandUpdateSettings CommandKind = "UPDATE_SETTINGS"
	CommandPing           CommandKind = "PING"
)

// Command is a platform-issued instruction. Duplicate IDs within the
// idempotency window are treated as no-ops by the executor core.
type Command struct {
	ID        string          `json:"id"`
	Kind      CommandKind     `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	ExpiresAt time.Time       `json:"expiresAt,omitempty"`
}

// Expired reports whether the command's expiry has passed at now.
func (c Command) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}

// StrategyPayload decodes the command payload as a StrategyConfig.
func (c Command) StrategyPayload() (*StrategyConfig, error) {
	var cfg StrategyConfig
	if err := json.Unmarshal(c.Payload, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// TargetPayload decodes a payload that only addresses a strategy by id.
func (c Command) TargetPayload() (string, error) {
	var target struct {
		StrategyID string `json:"strategyId"`
	}
	if err := json.Unmarshal(c.Payload, &target); err != nil {
		return "", err
	}
	return target.StrategyID, nil
}
