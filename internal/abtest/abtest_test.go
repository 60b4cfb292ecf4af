package abtest

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDisabledIsAlwaysA(t *testing.T) {
	for i := 0; i < 50; i++ {
		id := fmt.Sprintf("tx-%d", i)
		assert.Equal(t, GroupA, AssignGroup(Config{TestID: "t1", TrafficPercentB: 100}, id))
		assert.Equal(t, GroupA, AssignGroup(Config{Enabled: true, TestID: "t1"}, id))
	}
}

func TestFullTrafficIsAlwaysB(t *testing.T) {
	cfg := Config{Enabled: true, TestID: "t1", TrafficPercentB: 100}
	for i := 0; i < 50; i++ {
		assert.Equal(t, GroupB, AssignGroup(cfg, fmt.Sprintf("tx-%d", i)))
	}
}

func TestAssignmentIsStable(t *testing.T) {
	cfg := Config{Enabled: true, TestID: "rules-v2", TrafficPercentB: 30}
	for i := 0; i < 100; i++ {
		id := fmt.Sprintf("tx-%d", i)
		assert.Equal(t, AssignGroup(cfg, id), AssignGroup(cfg, id))
	}
}

func TestSplitIsRoughlyProportional(t *testing.T) {
	cfg := Config{Enabled: true, TestID: "rules-v2", TrafficPercentB: 20}
	var b int
	const n = 10000
	for i := 0; i < n; i++ {
		if AssignGroup(cfg, fmt.Sprintf("tx-%06d", i)) == GroupB {
			b++
		}
	}
	assert.InDelta(t, 0.20, float64(b)/n, 0.03)
}

func TestBucketRange(t *testing.T) {
	for i := 0; i < 1000; i++ {
		b := Bucket("t", fmt.Sprint(i))
		assert.GreaterOrEqual(t, b, 0)
		assert.Less(t, b, 100)
	}
}
