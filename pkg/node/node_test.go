package node_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"emberci/pkg/node"
)

func TestCanQueueSlotAccounting(t *testing.T) {
	n := node.New("local", 2)

	assert.True(t, n.CanQueue())
	n.Acquire()
	assert.True(t, n.CanQueue())
	n.Acquire()
	assert.False(t, n.CanQueue())
	assert.Equal(t, 2, n.Busy())

	n.Release()
	assert.True(t, n.CanQueue())
}

func TestCanQueueTagMatching(t *testing.T) {
	tagged := node.New("builder", 4, "docker", "amd64")
	untagged := node.New("local", 4)

	// Untagged nodes accept anything.
	assert.True(t, untagged.CanQueue())
	assert.True(t, untagged.CanQueue("docker"))

	// Tagged nodes need a tag in common with the job.
	assert.False(t, tagged.CanQueue())
	assert.False(t, tagged.CanQueue("arm64"))
	assert.True(t, tagged.CanQueue("docker"))
	assert.True(t, tagged.CanQueue("arm64", "amd64"))
}

func TestReleaseNeverGoesNegative(t *testing.T) {
	n := node.New("local", 1)
	n.Release()
	assert.Equal(t, 0, n.Busy())
}

func TestNewDetectsExecutors(t *testing.T) {
	n := node.New("local", 0)
	assert.GreaterOrEqual(t, n.Executors, 1)
}
