// Package abtest assigns transactions to experiment groups.
package abtest

import (
	"github.com/spaolacci/murmur3"
)

type Group string

const (
	GroupA Group = "A"
	GroupB Group = "B"
)

// Config describes one running experiment. Group B receives
// TrafficPercentB percent of transactions.
type Config struct {
	Enabled         bool
	TestID          string
	TrafficPercentB int
}

// Bucket returns the stable 0-99 bucket for a transaction in a test.
func Bucket(testID, transactionID string) int {
	return int(murmur3.Sum32([]byte(testID+transactionID)) % 100)
}

// AssignGroup is a pure function of its inputs: the same transaction in the
// same test always lands in the same group.
func AssignGroup(cfg Config, transactionID string) Group {
	if !cfg.Enabled || cfg.TestID == "" || cfg.TrafficPercentB <= 0 {
		return GroupA
	}
	if Bucket(cfg.TestID, transactionID) < cfg.TrafficPercentB {
		return GroupB
	}
	return GroupA
}
