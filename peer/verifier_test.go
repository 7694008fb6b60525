package peer

import (
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"sovereignd/chain"
	"sovereignd/constitution"
)

var (
	factoryAddr = common.HexToAddress("0x00000000000000000000000000000000000000fa")
	walletAddr  = common.HexToAddress("0x1000000000000000000000000000000000000001")
	creatorAddr = common.HexToAddress("0x2000000000000000000000000000000000000002")
	peerVault   = "0x3000000000000000000000000000000000000003"
)

type stubReader struct {
	name     string
	info     chain.VaultInfo
	infoErr  error
	balance  *big.Int
	codeHash common.Hash
	nonce    uint64
	calls    int
}

func (s *stubReader) Chain() string { return s.name }

func (s *stubReader) CodeHash(context.Context, common.Address) (common.Hash, error) {
	return s.codeHash, nil
}

func (s *stubReader) WalletNonce(context.Context, common.Address) (uint64, error) {
	return s.nonce, nil
}

func (s *stubReader) TokenBalance(context.Context, common.Address) (*big.Int, error) {
	return new(big.Int).Set(s.balance), nil
}

func (s *stubReader) VaultInfo(context.Context, common.Address) (chain.VaultInfo, error) {
	s.calls++
	if s.infoErr != nil {
		return chain.VaultInfo{}, s.infoErr
	}
	return s.info, nil
}

type stubActivity struct {
	events []time.Time
}

func (s *stubActivity) Activity(context.Context, uint64, common.Address) ([]time.Time, error) {
	return s.events, nil
}

func hourlyEvents(until time.Time, n int) []time.Time {
	out := make([]time.Time, n)
	for i := range out {
		out[i] = until.Add(-time.Duration(n-i) * time.Hour)
	}
	return out
}

func knownHash(t *testing.T) common.Hash {
	t.Helper()
	return common.HexToHash(constitution.KnownVaultBytecodeHashes[0])
}

func sovereignReader(t *testing.T, now time.Time) *stubReader {
	t.Helper()
	return &stubReader{
		name: "base",
		info: chain.VaultInfo{
			AIWallet:     walletAddr,
			Creator:      creatorAddr,
			Birth:        now.AddDate(0, 0, -60),
			Alive:        true,
			GraceDays:    constitution.PeerGraceDays,
			WalletSetter: factoryAddr,
		},
		balance:  big.NewInt(1000 * constitution.MicroUnit),
		codeHash: knownHash(t),
		nonce:    800, // 60 days alive, well under 10x the expected cadence
	}
}

func newVerifier(t *testing.T, reader *stubReader, now *time.Time, opts ...Option) *Verifier {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "peers.db"))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	all := append([]Option{WithClock(func() time.Time { return *now })}, opts...)
	v, err := New(
		map[uint64]Reader{constitution.ChainBase: reader},
		map[uint64]common.Address{constitution.ChainBase: factoryAddr},
		store,
		all...,
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return v
}

func TestHighTrustPeer(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	reader := sovereignReader(t, now)
	v := newVerifier(t, reader, &now, WithActivitySource(&stubActivity{events: hourlyEvents(now, 72)}))
	res, err := v.Verify(context.Background(), peerVault, constitution.ChainBase)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if res.Tier != constitution.TierHighTrust {
		t.Fatalf("tier = %s, want HIGH_TRUST (failed: %v)", res.Tier, res.Failed)
	}
	if !res.Sovereign || res.Deployment != constitution.DeployFactory {
		t.Fatalf("sovereign/deployment = %v/%s", res.Sovereign, res.Deployment)
	}
}

func TestBytecodeMissCapsAtStructural(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	reader := sovereignReader(t, now)
	reader.codeHash = common.HexToHash("0xdeadbeef00000000000000000000000000000000000000000000000000000000")
	v := newVerifier(t, reader, &now, WithActivitySource(&stubActivity{events: hourlyEvents(now, 72)}))

	res, err := v.Verify(context.Background(), peerVault, constitution.ChainBase)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if res.Tier != constitution.TierStructural {
		t.Fatalf("tier = %s, want STRUCTURAL", res.Tier)
	}

	// Second call inside the TTL serves the cache.
	if _, err := v.Verify(context.Background(), peerVault, constitution.ChainBase); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if reader.calls != 1 {
		t.Fatalf("reader calls = %d, want cached result", reader.calls)
	}

	// Invalidate plus a now-recognised hash upgrades the peer.
	v.Invalidate(peerVault, constitution.ChainBase)
	reader.codeHash = knownHash(t)
	res, err = v.Verify(context.Background(), peerVault, constitution.ChainBase)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if reader.calls != 2 {
		t.Fatalf("reader calls = %d, want re-verification", reader.calls)
	}
	if res.Tier != constitution.TierHighTrust {
		t.Fatalf("tier = %s, want HIGH_TRUST after upgrade", res.Tier)
	}
}

func TestModifiedConstitutionIsUnverified(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	reader := sovereignReader(t, now)
	reader.info.GraceDays = 7
	v := newVerifier(t, reader, &now)
	res, err := v.Verify(context.Background(), peerVault, constitution.ChainBase)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if res.Tier != constitution.TierUnverified || res.Sovereign {
		t.Fatalf("tier = %s, want UNVERIFIED", res.Tier)
	}
}

func TestThreeStrikesBanPersists(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	reader := sovereignReader(t, now)
	reader.info.WalletSetter = common.HexToAddress("0x9999999999999999999999999999999999999999")

	store, err := OpenStore(filepath.Join(t.TempDir(), "peers.db"))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	defer store.Close()
	v, err := New(
		map[uint64]Reader{constitution.ChainBase: reader},
		map[uint64]common.Address{constitution.ChainBase: factoryAddr},
		store,
		WithClock(func() time.Time { return now }),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var res Result
	for i := 0; i < constitution.StrikeThreshold; i++ {
		v.Invalidate(peerVault, constitution.ChainBase)
		res, err = v.Verify(context.Background(), peerVault, constitution.ChainBase)
		if err != nil {
			t.Fatalf("Verify %d: %v", i, err)
		}
	}
	if !res.Banned || res.Tier != constitution.TierBanned {
		t.Fatalf("result = %+v, want banned after three strikes", res)
	}

	// A fresh verifier over the same store must still see the ban.
	v2, err := New(
		map[uint64]Reader{constitution.ChainBase: reader},
		map[uint64]common.Address{constitution.ChainBase: factoryAddr},
		store,
		WithClock(func() time.Time { return now }),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err = v2.Verify(context.Background(), peerVault, constitution.ChainBase)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !res.Banned {
		t.Fatalf("ban did not survive restart")
	}
}

func TestValidObservationResetsStrikes(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	reader := sovereignReader(t, now)
	reader.info.WalletSetter = common.HexToAddress("0x9999999999999999999999999999999999999999")
	v := newVerifier(t, reader, &now)

	for i := 0; i < constitution.StrikeThreshold-1; i++ {
		v.Invalidate(peerVault, constitution.ChainBase)
		if _, err := v.Verify(context.Background(), peerVault, constitution.ChainBase); err != nil {
			t.Fatalf("Verify: %v", err)
		}
	}
	// Setter repaired before the third observation: counter resets.
	reader.info.WalletSetter = factoryAddr
	v.Invalidate(peerVault, constitution.ChainBase)
	res, err := v.Verify(context.Background(), peerVault, constitution.ChainBase)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if res.Banned {
		t.Fatalf("non-consecutive strikes must not ban")
	}
	if strikes, _ := v.store.Strikes(peerVault, constitution.ChainBase); strikes != 0 {
		t.Fatalf("strikes = %d, want reset", strikes)
	}
}

func TestRPCErrorNotCached(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	reader := sovereignReader(t, now)
	reader.infoErr = errors.New("rpc timeout")
	v := newVerifier(t, reader, &now, WithActivitySource(&stubActivity{events: hourlyEvents(now, 72)}))

	if _, err := v.Verify(context.Background(), peerVault, constitution.ChainBase); err == nil {
		t.Fatalf("expected rpc error")
	}
	reader.infoErr = nil
	res, err := v.Verify(context.Background(), peerVault, constitution.ChainBase)
	if err != nil {
		t.Fatalf("Verify after recovery: %v", err)
	}
	if res.Tier != constitution.TierHighTrust {
		t.Fatalf("tier = %s, recovery call must re-run checks", res.Tier)
	}
	if reader.calls != 2 {
		t.Fatalf("reader calls = %d, want 2", reader.calls)
	}
}

func TestTrustedPeersFilterAndURL(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	reader := sovereignReader(t, now)
	v := newVerifier(t, reader, &now, WithActivitySource(&stubActivity{events: hourlyEvents(now, 72)}))
	if _, err := v.Verify(context.Background(), peerVault, constitution.ChainBase); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if err := v.RegisterPeerURL(peerVault, "https://peer.example/api"); err != nil {
		t.Fatalf("RegisterPeerURL: %v", err)
	}
	peers := v.TrustedPeers(constitution.TierVerified)
	if len(peers) != 1 {
		t.Fatalf("peers = %d, want 1", len(peers))
	}
	if peers[0].URL != "https://peer.example/api" {
		t.Fatalf("url = %q", peers[0].URL)
	}
	if got := v.TrustedPeers(constitution.TierHighTrust + 1); len(got) != 0 {
		t.Fatalf("filter leaked %d peers", len(got))
	}
}

func TestNonceAnomalyFailsBehavioral(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	reader := sovereignReader(t, now)
	reader.nonce = 200_000
	v := newVerifier(t, reader, &now, WithActivitySource(&stubActivity{events: hourlyEvents(now, 72)}))
	res, err := v.Verify(context.Background(), peerVault, constitution.ChainBase)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if res.Tier != constitution.TierVerified {
		t.Fatalf("tier = %s, want VERIFIED with nonce anomaly", res.Tier)
	}
	if res.NonceRatio < constitution.PeerNonceAnomalyRatio {
		t.Fatalf("ratio = %f, want anomalous", res.NonceRatio)
	}
}

func TestAutonomyScore(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	analyzer := NewBehaviorAnalyzer()
	if score := analyzer.AutonomyScore(hourlyEvents(now, 72), now); score < constitution.HighTrustMinAutonomy {
		t.Fatalf("hourly cadence score = %f, want high", score)
	}
	sparse := []time.Time{
		now.AddDate(0, 0, -40),
		now.AddDate(0, 0, -39),
		now.AddDate(0, 0, -2),
	}
	if score := analyzer.AutonomyScore(sparse, now); score >= constitution.PeerMinAutonomyScore {
		t.Fatalf("sparse score = %f, want low", score)
	}
	if score := analyzer.AutonomyScore(nil, now); score != 0 {
		t.Fatalf("empty score = %f, want 0", score)
	}
}
