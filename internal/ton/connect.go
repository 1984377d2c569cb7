package ton

import (
	"context"
	"fmt"
	"strings"

	"github.com/xssnick/tonutils-go/liteclient"
	liteapi "github.com/xssnick/tonutils-go/ton"
	"go.uber.org/zap"
)

type ConnConfig struct {
	Network string
	Host    string
	Port    int
	Key     string
}

// Connect opens a lite server pool. With Host and Key set it dials that
// server; otherwise it discovers servers from the global config of Network.
func Connect(ctx context.Context, cfg ConnConfig, log *zap.Logger) (liteapi.APIClientWrapped, error) {
	client := liteclient.NewConnectionPool()

	if cfg.Host != "" && cfg.Key != "" {
		addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
		log.Info("connecting to lite server", zap.String("addr", addr))
		if err := client.AddConnection(ctx, addr, cfg.Key); err != nil {
			return nil, fmt.Errorf("connect to lite server %s: %w", addr, err)
		}
	} else {
		configURL := "https://ton.org/testnet-global.config.json"
		if strings.EqualFold(cfg.Network, "mainnet") {
			configURL = "https://ton.org/global.config.json"
		}
		log.Info("connecting via global config", zap.String("url", configURL), zap.String("network", cfg.Network))
		if err := client.AddConnectionsFromConfigUrl(ctx, configURL); err != nil {
			return nil, fmt.Errorf("connect via config %s: %w", configURL, err)
		}
	}

	policy := liteapi.ProofCheckPolicyFast
	if strings.EqualFold(cfg.Network, "mainnet") {
		policy = liteapi.ProofCheckPolicySecure
	}
	return liteapi.NewAPIClient(client, policy).WithRetry(), nil
}
