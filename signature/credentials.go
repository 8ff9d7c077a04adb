package signature

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// TimeNow is the clock used for skew and expiry checks. Tests substitute it
// to move time.
var TimeNow = func() time.Time { return time.Now().UTC() }

// The package keeps its own access-key → secret map so that verification
// never blocks on a catalog lookup. The credential cache layer pushes the
// current non-expired key set in through StoreKeys/ReloadKeys whenever the
// catalog mutates.
var credStore = struct {
	sync.RWMutex
	keys map[string]string
}{keys: map[string]string{}}

// signingKeys caches derived signing keys. A derived key is valid for the
// whole scope date, so the hit rate on a busy server is close to 1.
var signingKeys, _ = lru.New[string, []byte](1000)

// StoreKeys merges the given access-key → secret pairs into the store.
func StoreKeys(accessKeys map[string]string) {
	credStore.Lock()
	defer credStore.Unlock()
	for k, v := range accessKeys {
		credStore.keys[k] = v
	}
}

// ReloadKeys replaces the store with exactly the given pairs.
func ReloadKeys(accessKeys map[string]string) {
	credStore.Lock()
	defer credStore.Unlock()
	credStore.keys = make(map[string]string, len(accessKeys))
	for k, v := range accessKeys {
		credStore.keys[k] = v
	}
	signingKeys.Purge()
}

// RemoveKeys deletes the given access keys from the store.
func RemoveKeys(accessKeys []string) {
	credStore.Lock()
	defer credStore.Unlock()
	for _, k := range accessKeys {
		delete(credStore.keys, k)
	}
}

// KeyCount reports how many access keys are loaded.
func KeyCount() int {
	credStore.RLock()
	defer credStore.RUnlock()
	return len(credStore.keys)
}

func lookupSecret(accessKey string) (string, bool) {
	credStore.RLock()
	defer credStore.RUnlock()
	secret, ok := credStore.keys[accessKey]
	return secret, ok
}

// cachedSigningKey returns the derived signing key for the given scope,
// deriving and caching it on miss.
func cachedSigningKey(secret, dateStamp, region, service string) []byte {
	cacheKey := secret + "\x00" + dateStamp + "\x00" + region + "\x00" + service
	if key, ok := signingKeys.Get(cacheKey); ok {
		return key
	}
	key := deriveSigningKey(secret, dateStamp, region, service)
	signingKeys.Add(cacheKey, key)
	return key
}
