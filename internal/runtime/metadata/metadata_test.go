package metadata

import (
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/stretchr/testify/assert"
)

func TestNewIgnoresDanglingKey(t *testing.T) {
	md := New("a", "1", "b")
	assert.Equal(t, Metadata{"a": "1"}, md)
}

func TestForRow(t *testing.T) {
	md := ForRow("plan-a", "alerts", ContentTypeJSON)

	assert.Equal(t, "plan-a", md[KeyPlanID])
	assert.Equal(t, "alerts", md[KeyStream])
	assert.Equal(t, ContentTypeJSON, md[KeyContentType])
	assert.Equal(t, "plan-a/alerts", md[KeyPartition])
}

func TestWithDoesNotAlias(t *testing.T) {
	base := Metadata{"foo": "bar"}
	enriched := base.With("baz", "qux")

	assert.NotContains(t, base, "baz")
	assert.Equal(t, "qux", enriched["baz"])
	assert.Equal(t, "bar", enriched["foo"])
}

func TestApplyAndFromMessage(t *testing.T) {
	msg := message.NewMessage("id", nil)
	msg.Metadata.Set(KeyStream, "old")

	ForRow("p", "s", ContentTypeProto).Apply(msg)
	assert.Equal(t, "s", msg.Metadata.Get(KeyStream))

	copied := FromMessage(msg)
	copied[KeyStream] = "changed"
	assert.Equal(t, "s", msg.Metadata.Get(KeyStream))

	assert.Empty(t, FromMessage(nil))
}

func TestCorrelationID(t *testing.T) {
	msg := message.NewMessage("id", nil)
	assert.Empty(t, CorrelationID(msg))

	middleware.SetCorrelationID("corr-1", msg)
	assert.Equal(t, "corr-1", CorrelationID(msg))
	assert.Equal(t, "correlation_id", KeyCorrelationID)
}
