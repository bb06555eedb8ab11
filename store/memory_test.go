package store_test

import (
	"testing"

	"github.com/ronitervo/creditledger"
	"github.com/ronitervo/creditledger/store"
	"github.com/ronitervo/creditledger/store/storetest"
)

func TestMemoryStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) creditledger.Store {
		return store.NewMemoryStore()
	})
}
