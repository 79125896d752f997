package allmulti

import (
	"context"

	"github.com/micromdm/nanoapns/storage"

	"github.com/micromdm/nanolib/log/ctxlog"
)

func (ms *MultiAllStorage) IsCredentialStale(ctx context.Context, topic string, staleToken string) (bool, error) {
	finalStale, finalErr := ms.stores[0].IsCredentialStale(ctx, topic, staleToken)
	for n, store := range ms.stores[1:] {
		if _, err := store.IsCredentialStale(ctx, topic, staleToken); err != nil {
			ctxlog.Logger(ctx, ms.logger).Info("msg", "multi storage", "method", "IsCredentialStale", "service", n+1, "err", err)
			continue
		}
	}
	return finalStale, finalErr
}

func (ms *MultiAllStorage) RetrieveCredential(ctx context.Context, topic string) (*storage.Credential, string, error) {
	finalCred, finalToken, finalErr := ms.stores[0].RetrieveCredential(ctx, topic)
	for n, store := range ms.stores[1:] {
		if _, _, err := store.RetrieveCredential(ctx, topic); err != nil {
			ctxlog.Logger(ctx, ms.logger).Info("msg", "multi storage", "method", "RetrieveCredential", "service", n+1, "err", err)
			continue
		}
	}
	return finalCred, finalToken, finalErr
}

func (ms *MultiAllStorage) StoreCredential(ctx context.Context, cred *storage.Credential) error {
	finalErr := ms.stores[0].StoreCredential(ctx, cred)
	for n, store := range ms.stores[1:] {
		if err := store.StoreCredential(ctx, cred); err != nil {
			ctxlog.Logger(ctx, ms.logger).Info("msg", "multi storage", "method", "StoreCredential", "service", n+1, "err", err)
			continue
		}
	}
	return finalErr
}
