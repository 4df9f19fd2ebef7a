// ABOUTME: CredentialResolver: turns a source id into decrypted credentials.
// ABOUTME: State machine over cache, server fetch, registration, and unwrap.
package vault

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/singleflight"
)

// APIClient is the server surface the resolver needs. *Client
// implements it; tests substitute fakes.
type APIClient interface {
	CheckDevice(ctx context.Context) (DeviceStatus, error)
	FetchDeviceKey(ctx context.Context) (KeyData, error)
	RegisterDevice(ctx context.Context, deviceType DeviceType, name, model, passphrase string) (RegisterDeviceResp, error)
	FetchSource(ctx context.Context, sourceID string) (SourceCredentialRecord, error)
}

// PassphrasePrompt supplies the passphrase when no cached copy exists,
// typically by asking the user.
type PassphrasePrompt func(ctx context.Context) (string, error)

// DeriveFn matches DeriveKey; swapped in tests to count invocations.
type DeriveFn func(ctx context.Context, passphrase string, salt []byte, iterations int, progress ProgressFn) ([KeySize]byte, error)

// Resolver orchestrates source resolution:
//
//	ResolveSource → ObtainPassphrase → ObtainDeviceKeyData →
//	DeriveOrUnwrapMasterKey → DecryptCredentials → Done
//
// Transitions are idempotent and safely retryable. Concurrent resolves
// for the same account coalesce onto one in-flight derivation;
// distinct accounts proceed fully in parallel.
type Resolver struct {
	api    APIClient
	cache  *KeyCache
	store  *Store // nil disables local device-key caching
	cfg    Config
	prompt PassphrasePrompt

	accountID   string
	deviceType  DeviceType
	deviceName  string
	deviceModel string

	derive   DeriveFn
	progress ProgressFn
	retry    RetryPolicy
	group    singleflight.Group
}

// ResolverOpts carries optional wiring for NewResolver.
type ResolverOpts struct {
	Store    *Store
	Derive   DeriveFn
	Progress ProgressFn
	Retry    RetryPolicy
}

// NewResolver builds a resolver for one account+device context. All
// collaborators are injected; there is no global state, so multiple
// account contexts can coexist in one process.
func NewResolver(api APIClient, cache *KeyCache, cfg Config, accountID string, deviceType DeviceType, deviceName, deviceModel string, prompt PassphrasePrompt, opts ResolverOpts) (*Resolver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if accountID == "" {
		return nil, &ValidationError{Field: "account_id", Reason: "empty"}
	}
	r := &Resolver{
		api:         api,
		cache:       cache,
		store:       opts.Store,
		cfg:         cfg,
		prompt:      prompt,
		accountID:   accountID,
		deviceType:  deviceType,
		deviceName:  deviceName,
		deviceModel: deviceModel,
		derive:      opts.Derive,
		progress:    opts.Progress,
		retry:       opts.Retry,
	}
	if r.derive == nil {
		r.derive = DeriveKey
	}
	if r.retry.MaxAttempts == 0 {
		r.retry = DefaultRetryPolicy()
	}
	return r, nil
}

// Resolver states, named for what each one obtains.
const (
	stateResolveSource      = "ResolveSource"
	stateObtainPassphrase   = "ObtainPassphrase"
	stateObtainDeviceKey    = "ObtainDeviceKeyData"
	stateDeriveMasterKey    = "DeriveOrUnwrapMasterKey"
	stateDecryptCredentials = "DecryptCredentials"
	stateDone               = "Done"
)

// stageError pins an error to the resolver state it occurred in.
type stageError struct {
	state string
	err   error
}

func (e *stageError) Error() string { return e.state + ": " + e.err.Error() }
func (e *stageError) Unwrap() error { return e.err }

// Resolve turns a source id into decrypted provider credentials. On a
// downstream decrypt failure it purges the account's cached key
// material and retries exactly once with a fresh derivation; a second
// failure surfaces as the terminal error (invalid passphrase for the
// unwrap stage, corrupt data for the credential stage).
func (r *Resolver) Resolve(ctx context.Context, sourceID string) (Credentials, error) {
	if sourceID == "" {
		return Credentials{}, &ValidationError{Field: "source_id", Reason: "empty"}
	}

	policy := r.retry
	policy.OnRetry = func(error) {
		// Possibly-stale cached material: destroy and re-derive.
		r.cache.Purge(ctx, r.accountID)
		if r.store != nil {
			_ = r.store.DeleteDeviceKey(ctx, r.accountID)
		}
	}

	creds, attempts, err := WithRetry(ctx, policy, func(attempt int) (Credentials, error) {
		return r.resolveOnce(ctx, sourceID, attempt > 1)
	})
	if err != nil {
		var st *stageError
		state := stateResolveSource
		if errors.As(err, &st) {
			state = st.state
			err = st.err
		}
		return Credentials{}, &ResolveError{State: state, Attempts: attempts, Err: err}
	}
	return creds, nil
}

// resolveOnce runs the state machine once. fresh forces a new
// derivation even when a cached master key exists.
func (r *Resolver) resolveOnce(ctx context.Context, sourceID string, fresh bool) (Credentials, error) {
	var (
		state      = stateResolveSource
		src        SourceCredentialRecord
		passphrase string
		keyData    KeyData
		masterKey  [KeySize]byte
		haveKey    bool
		creds      Credentials
	)

	for state != stateDone {
		switch state {
		case stateResolveSource:
			rec, err := r.api.FetchSource(ctx, sourceID)
			if err != nil {
				return Credentials{}, &stageError{state, err}
			}
			src = rec
			state = stateObtainPassphrase

		case stateObtainPassphrase:
			if !fresh {
				if mk, ok := r.cache.GetMasterKey(ctx, r.accountID); ok {
					masterKey, haveKey = mk, true
					state = stateDecryptCredentials
					continue
				}
			}
			pp, err := r.obtainPassphrase(ctx)
			if err != nil {
				return Credentials{}, &stageError{state, err}
			}
			passphrase = pp
			state = stateObtainDeviceKey

		case stateObtainDeviceKey:
			kd, err := r.obtainKeyData(ctx, passphrase, fresh)
			if err != nil {
				return Credentials{}, &stageError{state, err}
			}
			keyData = kd
			state = stateDeriveMasterKey

		case stateDeriveMasterKey:
			mk, err := r.masterKeyFlight(ctx, passphrase, keyData, fresh)
			if err != nil {
				return Credentials{}, &stageError{state, err}
			}
			masterKey, haveKey = mk, true
			state = stateDecryptCredentials

		case stateDecryptCredentials:
			if !haveKey {
				return Credentials{}, &stageError{state, ErrCorrupt}
			}
			c, err := DecryptCredentials(src.WrapAlgorithm, masterKey, src.ConfigIV, src.EncryptedConfig, src.SourceID)
			if err != nil {
				return Credentials{}, &stageError{state, err}
			}
			creds = c
			// Cache only after a successful decrypt proves the key.
			r.cache.PutMasterKey(ctx, r.accountID, masterKey)
			if passphrase != "" {
				r.cache.PutPassphrase(ctx, r.accountID, passphrase)
			}
			state = stateDone
		}
	}
	return creds, nil
}

func (r *Resolver) obtainPassphrase(ctx context.Context) (string, error) {
	if pp, ok := r.cache.GetPassphrase(ctx, r.accountID); ok {
		return pp, nil
	}
	if r.prompt == nil {
		return "", fmt.Errorf("%w: passphrase required and no prompt configured", ErrInvalidPassphrase)
	}
	pp, err := r.prompt(ctx)
	if err != nil {
		return "", err
	}
	if pp == "" {
		return "", &ValidationError{Field: "passphrase", Reason: "empty"}
	}
	return pp, nil
}

// masterKeyFlight coalesces concurrent derivations per account.
// Derivation is CPU-expensive; duplicating it is wasted work. Waiters
// observe the leader's result through singleflight.
func (r *Resolver) masterKeyFlight(ctx context.Context, passphrase string, kd KeyData, fresh bool) ([KeySize]byte, error) {
	ch := r.group.DoChan(r.accountID, func() (any, error) {
		return r.deriveAndUnwrap(ctx, passphrase, kd, fresh)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			var zeroKey [KeySize]byte
			return zeroKey, res.Err
		}
		return res.Val.([KeySize]byte), nil
	case <-ctx.Done():
		var zeroKey [KeySize]byte
		return zeroKey, fmt.Errorf("%w: %v", ErrOperationTimeout, ctx.Err())
	}
}

func (r *Resolver) deriveAndUnwrap(ctx context.Context, passphrase string, kd KeyData, fresh bool) ([KeySize]byte, error) {
	var masterKey [KeySize]byte

	// A waiter that joined after another caller finished may find the
	// cache already warm.
	if !fresh {
		if mk, ok := r.cache.GetMasterKey(ctx, r.accountID); ok {
			return mk, nil
		}
	}

	salt, err := b64dec(kd.Salt)
	if err != nil {
		return masterKey, fmt.Errorf("%w: bad salt encoding", ErrCorrupt)
	}
	iv, err := b64dec(kd.IV)
	if err != nil {
		return masterKey, fmt.Errorf("%w: bad iv encoding", ErrCorrupt)
	}
	wrapped, err := b64dec(kd.MasterKeyWrapped)
	if err != nil {
		return masterKey, fmt.Errorf("%w: bad wrapped key encoding", ErrCorrupt)
	}
	alg := Algorithm(kd.WrapAlgorithm)
	if alg == "" {
		alg = r.cfg.WrapAlgorithm
	}

	dctx := ctx
	if r.cfg.DeriveTimeout > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, r.cfg.DeriveTimeout)
		defer cancel()
	}
	deviceKey, err := r.derive(dctx, passphrase, salt, kd.KDFIterations, r.progress)
	if err != nil {
		return masterKey, err
	}
	defer zero(deviceKey[:])

	plain, err := Open(alg, deviceKey, iv, wrapped)
	if err != nil {
		return masterKey, &UnwrapError{AccountID: r.accountID, Layer: "passphrase", Cause: err}
	}
	if len(plain) != KeySize {
		zero(plain)
		return masterKey, fmt.Errorf("%w: wrapped key length", ErrCorrupt)
	}
	copy(masterKey[:], plain)
	zero(plain)
	return masterKey, nil
}

// obtainKeyData tries the local cache, then the server, then falls
// through to registering this device if it has never been registered.
func (r *Resolver) obtainKeyData(ctx context.Context, passphrase string, fresh bool) (KeyData, error) {
	if r.store != nil && !fresh {
		if kd, ok, err := r.store.GetDeviceKey(ctx, r.accountID); err == nil && ok {
			return kd, nil
		}
	}

	kd, err := r.api.FetchDeviceKey(ctx)
	if err == nil {
		if r.store != nil {
			_ = r.store.PutDeviceKey(ctx, r.accountID, kd)
		}
		return kd, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return KeyData{}, err
	}

	// Never registered: register now. Quota is enforced server-side;
	// hitting the limit is terminal here.
	resp, err := r.api.RegisterDevice(ctx, r.deviceType, r.deviceName, r.deviceModel, passphrase)
	if err != nil {
		return KeyData{}, err
	}
	if r.store != nil {
		_ = r.store.PutDeviceKey(ctx, r.accountID, resp.KeyData)
	}
	return resp.KeyData, nil
}

// DeviceStatus merges the server's view with client cache freshness.
// The server reports registration and quota; whether a passphrase
// prompt can be skipped depends on caches only this client can see.
func (r *Resolver) DeviceStatus(ctx context.Context) (DeviceStatus, error) {
	st, err := r.api.CheckDevice(ctx)
	if err != nil {
		return DeviceStatus{}, err
	}
	_, mkCached := r.cache.GetMasterKey(ctx, r.accountID)
	_, ppCached := r.cache.GetPassphrase(ctx, r.accountID)
	st.RequiresPassphrase = !mkCached && !ppCached
	// Auto-registration still has to prove the master key to the
	// server, which takes the passphrase; a cached master key alone
	// does not unlock it.
	st.CanAutoRegister = st.CanAutoRegister && ppCached
	return st, nil
}

// Logout destroys all cached key material for the account.
func (r *Resolver) Logout(ctx context.Context) {
	r.cache.Purge(ctx, r.accountID)
	if r.store != nil {
		_ = r.store.DeleteDeviceKey(ctx, r.accountID)
	}
}
