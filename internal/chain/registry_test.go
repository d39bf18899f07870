package chain

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	registry := NewRegistry()
	registry.Register(Config{
		ID:        "devnet",
		MinAmount: decimal.NewFromInt(5),
		Fee:       decimal.NewFromInt(1),
	})

	t.Run("get known chain", func(t *testing.T) {
		cfg, err := registry.Get("devnet")
		require.NoError(t, err)
		assert.Equal(t, "devnet", cfg.ID)
	})

	t.Run("unknown chain", func(t *testing.T) {
		_, err := registry.Get("mainnet")
		assert.True(t, errors.Is(err, ErrUnsupportedChain))

		_, err = registry.Validate("mainnet", decimal.NewFromInt(10))
		assert.True(t, errors.Is(err, ErrUnsupportedChain))
	})

	t.Run("validate enforces the chain minimum", func(t *testing.T) {
		_, err := registry.Validate("devnet", decimal.NewFromInt(4))
		assert.True(t, errors.Is(err, ErrBelowMinimum))

		_, err = registry.Validate("devnet", decimal.NewFromInt(5))
		assert.NoError(t, err)
	})

	t.Run("ids", func(t *testing.T) {
		registry.Register(Config{ID: "othernet"})
		assert.ElementsMatch(t, []string{"devnet", "othernet"}, registry.IDs())
	})
}
