package sqlqueue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConfig_withDefaults(t *testing.T) {
	t.Run("empty config gets defaults", func(t *testing.T) {
		cfg := Config{}.withDefaults()
		assert.Equal(t, Tables{Messages: "corrflow_messages", Poisoned: "corrflow_poisoned"}, cfg.Tables)
		assert.Equal(t, DefaultPollInterval, cfg.PollInterval)
		assert.Equal(t, DefaultMaxRetries, cfg.MaxRetries)
		assert.Equal(t, DefaultLockTimeout, cfg.LockTimeout)
	})

	t.Run("custom values preserved", func(t *testing.T) {
		cfg := Config{
			Tables:       Tables{Messages: "q.messages", Poisoned: "q.poisoned"},
			PollInterval: 10 * time.Millisecond,
			MaxRetries:   7,
			LockTimeout:  time.Minute,
		}.withDefaults()
		assert.Equal(t, "q.messages", cfg.Tables.Messages)
		assert.Equal(t, 10*time.Millisecond, cfg.PollInterval)
		assert.Equal(t, 7, cfg.MaxRetries)
		assert.Equal(t, time.Minute, cfg.LockTimeout)
	})
}

func TestBind(t *testing.T) {
	query := `UPDATE t SET a = ? WHERE b = ? AND c < ?`

	q := &Queue{dialect: Dialect{Placeholder: Dollar}}
	assert.Equal(t, `UPDATE t SET a = $1 WHERE b = $2 AND c < $3`, q.bind(query))

	q = &Queue{dialect: Dialect{Placeholder: QuestionMark}}
	assert.Equal(t, query, q.bind(query))

	q = &Queue{}
	assert.Equal(t, query, q.bind(query))
}
