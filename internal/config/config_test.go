package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("TAX_RATE_PERCENT", "")
	t.Setenv("STORE_DRIVER", "")
	t.Setenv("LOCK_BACKEND", "")
	t.Setenv("DEFAULT_INSTALLMENTS", "")

	cfg, err := Load()
	require.NoError(t, err)
	require.True(t, cfg.Billing.TaxRatePercent.Equal(decimal.NewFromInt(15)))
	require.Equal(t, 12, cfg.Billing.DefaultInstallments)
	require.Equal(t, StoreDriverPostgres, cfg.Store.Driver)
	require.Equal(t, LockBackendLocal, cfg.Lock.Backend)
	require.Equal(t, 10*time.Second, cfg.Server.ReadTimeout)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("TAX_RATE_PERCENT", "7.5")
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("LOCK_BACKEND", "redis")
	t.Setenv("LOCK_TTL", "3s")
	t.Setenv("DEFAULT_INSTALLMENTS", "6")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "7.5", cfg.Billing.TaxRatePercent.String())
	require.Equal(t, StoreDriverMemory, cfg.Store.Driver)
	require.Equal(t, LockBackendRedis, cfg.Lock.Backend)
	require.Equal(t, 3*time.Second, cfg.Lock.TTL)
	require.Equal(t, 6, cfg.Billing.DefaultInstallments)
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := map[string]map[string]string{
		"unparseable tax": {"TAX_RATE_PERCENT": "fifteen"},
		"negative tax":    {"TAX_RATE_PERCENT": "-1"},
		"store driver":    {"STORE_DRIVER": "sqlite"},
		"lock backend":    {"LOCK_BACKEND": "zookeeper"},
		"installments":    {"DEFAULT_INSTALLMENTS": "0"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.Error(t, err)
		})
	}
}
