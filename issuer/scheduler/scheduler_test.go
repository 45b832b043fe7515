package scheduler

import (
	"context"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	logTest "github.com/sirupsen/logrus/hooks/test"

	"github.com/sojitrayash/blockchaindoc-certificate-worker/container/merkle"
	"github.com/sojitrayash/blockchaindoc-certificate-worker/crypto/hash"
	"github.com/sojitrayash/blockchaindoc-certificate-worker/crypto/signature"
	"github.com/sojitrayash/blockchaindoc-certificate-worker/encoding/qrpayload"
	"github.com/sojitrayash/blockchaindoc-certificate-worker/issuer/anchor"
	"github.com/sojitrayash/blockchaindoc-certificate-worker/issuer/db"
	"github.com/sojitrayash/blockchaindoc-certificate-worker/issuer/db/kv"
	"github.com/sojitrayash/blockchaindoc-certificate-worker/issuer/render"
	"github.com/sojitrayash/blockchaindoc-certificate-worker/issuer/storage"
	"github.com/sojitrayash/blockchaindoc-certificate-worker/issuer/types"
	"github.com/sojitrayash/blockchaindoc-certificate-worker/issuer/verify"
	"github.com/sojitrayash/blockchaindoc-certificate-worker/testing/assert"
	"github.com/sojitrayash/blockchaindoc-certificate-worker/testing/logtest"
	"github.com/sojitrayash/blockchaindoc-certificate-worker/testing/require"
	"github.com/sojitrayash/blockchaindoc-certificate-worker/testing/util"
)

const testKey = "b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291"

type anchorCall struct {
	timeWindow *big.Int
	root       [32]byte
}

type stubAnchorer struct {
	mu    sync.Mutex
	calls []anchorCall
	err   error
}

func (a *stubAnchorer) AnchorRoot(_ context.Context, timeWindow *big.Int, root [32]byte) (*anchor.Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return nil, a.err
	}
	a.calls = append(a.calls, anchorCall{timeWindow: timeWindow, root: root})
	return &anchor.Result{TxHash: "0xfeedbeef", BlockNumber: 7}, nil
}

func (a *stubAnchorer) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

type failingRenderer struct{}

func (failingRenderer) Render(_ context.Context, _ *types.Template, _ map[string]interface{}) ([]byte, error) {
	return nil, errors.New("renderer crashed")
}

type fixture struct {
	svc    *Service
	store  db.Store
	anchor *stubAnchorer
}

func setup(t *testing.T, mutate func(cfg *Config)) *fixture {
	t.Helper()
	store, err := kv.NewKVStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})
	files, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	anc := &stubAnchorer{}
	cfg := &Config{
		Store:         store,
		Storage:       files,
		Renderer:      render.TextRenderer{},
		Anchor:        anc,
		Network:       "amoy",
		VerifyBaseURL: "https://verify.example.org",
	}
	if mutate != nil {
		mutate(cfg)
	}
	svc, err := NewService(cfg)
	require.NoError(t, err)
	return &fixture{svc: svc, store: store, anchor: anc}
}

func seedBatch(t *testing.T, f *fixture, batch *types.Batch, jobs ...*types.Job) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.SaveTenant(ctx, &types.Tenant{ID: batch.TenantID, Name: "Acme University"}))
	require.NoError(t, f.store.SaveTemplate(ctx, &types.Template{
		ID:        batch.TemplateID,
		HTML:      "<h1>Certificate for {{name}}</h1>",
		Params:    []string{"name"},
		CreatedAt: time.Now().UTC(),
	}))
	require.NoError(t, f.store.SaveBatch(ctx, batch))
	for _, job := range jobs {
		require.NoError(t, f.store.SaveJob(ctx, job))
	}
}

// runGenerate runs one generate tick and waits for the render pool.
func runGenerate(t *testing.T, f *fixture) {
	t.Helper()
	require.NoError(t, f.svc.tickGenerate(context.Background()))
	if util.WaitTimeout(&f.svc.renders, 30*time.Second) {
		t.Fatal("render workers did not drain")
	}
}

func TestPipeline_TwoJobSingleBatch(t *testing.T) {
	hook := logTest.NewGlobal()
	f := setup(t, nil)
	ctx := context.Background()
	now := time.Now().UTC()

	batch := &types.Batch{
		ID:            "batch-1",
		TenantID:      "tenant-1",
		TemplateID:    "tpl-1",
		Status:        types.BatchPending,
		SigningStatus: types.SigningPending,
		SigningKey:    testKey,
		CreatedAt:     now,
	}
	seedBatch(t, f, batch,
		&types.Job{ID: "j1", BatchID: "batch-1", Status: types.JobPending, Data: map[string]interface{}{"name": "A"}, CreatedAt: now},
		&types.Job{ID: "j2", BatchID: "batch-1", Status: types.JobPending, Data: map[string]interface{}{"name": "B"}, CreatedAt: now.Add(time.Millisecond)},
	)

	runGenerate(t, f)

	j1, err := f.store.Job(ctx, "j1")
	require.NoError(t, err)
	j2, err := f.store.Job(ctx, "j2")
	require.NoError(t, err)
	for _, j := range []*types.Job{j1, j2} {
		assert.Equal(t, types.JobGenerated, j.Status)
		assert.Equal(t, 64, len(j.DocumentHash))
		assert.Equal(t, 96, len(j.DocumentFingerprint))
		assert.Equal(t, 64, len(j.FingerprintHash))
		assert.Equal(t, 64, len(j.MerkleLeaf))
		require.Equal(t, true, j.CertificatePath != "")
	}
	// Null expiries encode as zero seconds at the tail of the fingerprint.
	assert.Equal(t, strings.Repeat("0", 32), j1.DocumentFingerprint[64:])

	batch, err = f.store.Batch(ctx, "batch-1")
	require.NoError(t, err)
	assert.Equal(t, types.BatchProcessing, batch.Status)
	assert.Equal(t, types.SigningSigned, batch.SigningStatus)
	wantPub, err := signature.PublicKeyFromPrivate(testKey)
	require.NoError(t, err)
	assert.Equal(t, wantPub, batch.IssuerPublicKey)

	require.NoError(t, f.svc.tickIntermediate(ctx))

	batch, err = f.store.Batch(ctx, "batch-1")
	require.NoError(t, err)
	require.Equal(t, types.SigningFinalized, batch.SigningStatus)
	require.NotNil(t, batch.FinalizedAt)
	l1, err := hash.DecodeHex32(j1.MerkleLeaf)
	require.NoError(t, err)
	l2, err := hash.DecodeHex32(j2.MerkleLeaf)
	require.NoError(t, err)
	mri := merkle.HashPair(l1, l2)
	assert.Equal(t, hash.EncodeHex(mri[:]), batch.MerkleRoot)

	j1, err = f.store.Job(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, 1, len(j1.MerkleProofIntermediate))
	assert.Equal(t, j2.MerkleLeaf, j1.MerkleProofIntermediate[0])

	require.NoError(t, f.svc.tickUltimate(ctx))

	batch, err = f.store.Batch(ctx, "batch-1")
	require.NoError(t, err)
	pad := hash.Keccak256(mri[:])
	mru := merkle.HashPair(mri, pad)
	assert.Equal(t, hash.EncodeHex(mru[:]), batch.MerkleRootUltimate)
	require.Equal(t, 1, len(batch.MerkleProofUltimate))
	assert.Equal(t, hash.EncodeHex(pad[:]), batch.MerkleProofUltimate[0])
	assert.Equal(t, "0xfeedbeef", batch.TxHash)
	assert.Equal(t, "amoy", batch.Network)
	assert.Equal(t, uint64(7), batch.BlockNumber)

	require.Equal(t, 1, f.anchor.callCount())
	call := f.anchor.calls[0]
	assert.Equal(t, batch.FinalizedAt.Unix(), call.timeWindow.Int64())
	assert.Equal(t, mru, call.root)

	logtest.AssertLogsContain(t, hook, "Finalized batch")
	logtest.AssertLogsContain(t, hook, "Anchored ultimate root")

	j1, err = f.store.Job(ctx, "j1")
	require.NoError(t, err)
	require.NotNil(t, j1.VerificationBundle)
	assert.Equal(t, batch.MerkleRootUltimate, j1.VerificationBundle.MerkleRootUltimate)
	assert.Equal(t, "", j1.CertificateWithQRPath)

	require.NoError(t, f.svc.tickQR(ctx))

	j1, err = f.store.Job(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, true, strings.HasPrefix(j1.QRCodePath, "qr-codes/tenant-1/batch-1/"))
	payload, err := qrpayload.Decode(j1.QRPayloadFragment)
	require.NoError(t, err)
	assert.Equal(t, "j1", payload.JobID)
	assert.Equal(t, batch.TxHash, payload.TxHash)
	assert.Equal(t, batch.MerkleRoot, payload.MRI)
	assert.Equal(t, batch.MerkleRootUltimate, payload.MRU)

	require.NoError(t, f.svc.tickAugment(ctx))

	j1, err = f.store.Job(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, true, strings.HasPrefix(j1.CertificateWithQRPath, "qr-embedded-certificates/tenant-1/batch-1/"))
	require.Equal(t, true, strings.HasSuffix(j1.CertificateWithQRPath, "j1-with-qr.pdf"))

	batch, err = f.store.Batch(ctx, "batch-1")
	require.NoError(t, err)
	assert.Equal(t, types.BatchCompleted, batch.Status)
}

func TestPipeline_AugmentedCertificateVerifies(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()
	now := time.Now().UTC()

	batch := &types.Batch{
		ID:            "batch-v",
		TenantID:      "tenant-v",
		TemplateID:    "tpl-v",
		Status:        types.BatchPending,
		SigningStatus: types.SigningPending,
		SigningKey:    testKey,
		CreatedAt:     now,
	}
	seedBatch(t, f, batch,
		&types.Job{ID: "jv", BatchID: "batch-v", Status: types.JobPending, Data: map[string]interface{}{"name": "Dana"}, CreatedAt: now},
	)

	runGenerate(t, f)
	require.NoError(t, f.svc.tickIntermediate(ctx))
	require.NoError(t, f.svc.tickUltimate(ctx))
	require.NoError(t, f.svc.tickQR(ctx))
	require.NoError(t, f.svc.tickAugment(ctx))

	job, err := f.store.Job(ctx, "jv")
	require.NoError(t, err)
	augmented, err := f.svc.cfg.Storage.Load(ctx, job.CertificateWithQRPath)
	require.NoError(t, err)

	v := verify.New(verify.Options{})
	res := v.Verify(ctx, augmented)
	assert.Equal(t, true, res.Valid)
	assert.Equal(t, 0, len(res.Errors))
	// No chain backend in this test, so the anchor check downgrades.
	assert.Equal(t, verify.StepSkipped, res.Steps["chainAnchor"])
}

func TestSubmitSignature_ExternalFlow(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()
	now := time.Now().UTC()

	batch := &types.Batch{
		ID:            "batch-ext",
		TenantID:      "tenant-ext",
		TemplateID:    "tpl-ext",
		Status:        types.BatchPending,
		SigningStatus: types.SigningPending,
		CreatedAt:     now,
	}
	seedBatch(t, f, batch,
		&types.Job{ID: "je", BatchID: "batch-ext", Status: types.JobPending, Data: map[string]interface{}{"name": "E"}, CreatedAt: now},
	)

	runGenerate(t, f)

	job, err := f.store.Job(ctx, "je")
	require.NoError(t, err)
	require.Equal(t, types.JobPendingSigning, job.Status)
	require.Equal(t, "", job.IssuerSignature)

	sig, err := signature.SignRecoverable(job.FingerprintHash, testKey)
	require.NoError(t, err)
	require.NoError(t, f.svc.SubmitSignature(ctx, "je", sig))

	job, err = f.store.Job(ctx, "je")
	require.NoError(t, err)
	assert.Equal(t, types.JobGenerated, job.Status)
	sigBytes, err := hash.DecodeHex(job.IssuerSignature)
	require.NoError(t, err)
	leaf := hash.Keccak256(sigBytes)
	assert.Equal(t, hash.EncodeHex(leaf[:]), job.MerkleLeaf)

	// The first recoverable signature pins the issuer key on the batch.
	batch, err = f.store.Batch(ctx, "batch-ext")
	require.NoError(t, err)
	wantPub, err := signature.PublicKeyFromPrivate(testKey)
	require.NoError(t, err)
	assert.Equal(t, wantPub, batch.IssuerPublicKey)
	assert.Equal(t, types.SigningSigned, batch.SigningStatus)

	err = f.svc.SubmitSignature(ctx, "je", sig)
	require.NotNil(t, err)
	assert.Equal(t, true, errors.Is(err, db.ErrWrongState))
}

func TestSubmitSignature_RejectsForeignKey(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()
	now := time.Now().UTC()

	otherPub, err := signature.PublicKeyFromPrivate("4646464646464646464646464646464646464646464646464646464646464646")
	require.NoError(t, err)
	batch := &types.Batch{
		ID:              "batch-pin",
		TenantID:        "tenant-pin",
		TemplateID:      "tpl-pin",
		Status:          types.BatchPending,
		SigningStatus:   types.SigningPending,
		IssuerPublicKey: otherPub,
		CreatedAt:       now,
	}
	seedBatch(t, f, batch,
		&types.Job{ID: "jp", BatchID: "batch-pin", Status: types.JobPending, Data: map[string]interface{}{"name": "P"}, CreatedAt: now},
	)
	runGenerate(t, f)

	job, err := f.store.Job(ctx, "jp")
	require.NoError(t, err)
	sig, err := signature.Sign(job.FingerprintHash, testKey)
	require.NoError(t, err)

	err = f.svc.SubmitSignature(ctx, "jp", sig)
	require.ErrorContains(t, "does not verify", err)

	job, err = f.store.Job(ctx, "jp")
	require.NoError(t, err)
	assert.Equal(t, types.JobPendingSigning, job.Status)
}

func TestAnchorFailureParksBatchForRetry(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()
	now := time.Now().UTC()
	f.anchor.err = errors.New("rpc unavailable")

	batch := &types.Batch{
		ID:            "batch-r",
		TenantID:      "tenant-r",
		TemplateID:    "tpl-r",
		Status:        types.BatchPending,
		SigningStatus: types.SigningPending,
		SigningKey:    testKey,
		CreatedAt:     now,
	}
	seedBatch(t, f, batch,
		&types.Job{ID: "jr", BatchID: "batch-r", Status: types.JobPending, Data: map[string]interface{}{"name": "R"}, CreatedAt: now},
	)
	runGenerate(t, f)
	require.NoError(t, f.svc.tickIntermediate(ctx))

	err := f.svc.tickUltimate(ctx)
	require.ErrorContains(t, "rpc unavailable", err)

	// The root survives the failed anchor; only the transaction is missing.
	batch, err = f.store.Batch(ctx, "batch-r")
	require.NoError(t, err)
	require.Equal(t, true, batch.MerkleRootUltimate != "")
	firstRoot := batch.MerkleRootUltimate
	assert.Equal(t, "", batch.TxHash)

	parked, err := f.store.FindBatchesAwaitingAnchor(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, len(parked))

	f.anchor.err = nil
	require.NoError(t, f.svc.tickUltimate(ctx))

	batch, err = f.store.Batch(ctx, "batch-r")
	require.NoError(t, err)
	assert.Equal(t, firstRoot, batch.MerkleRootUltimate)
	assert.Equal(t, "0xfeedbeef", batch.TxHash)
	require.Equal(t, 1, f.anchor.callCount())
}

func TestGenerateFailureMarksJobFailed(t *testing.T) {
	f := setup(t, func(cfg *Config) {
		cfg.Renderer = failingRenderer{}
	})
	ctx := context.Background()
	now := time.Now().UTC()

	batch := &types.Batch{
		ID:            "batch-f",
		TenantID:      "tenant-f",
		TemplateID:    "tpl-f",
		Status:        types.BatchPending,
		SigningStatus: types.SigningPending,
		CreatedAt:     now,
	}
	seedBatch(t, f, batch,
		&types.Job{ID: "jf", BatchID: "batch-f", Status: types.JobPending, CreatedAt: now},
	)
	runGenerate(t, f)

	job, err := f.store.Job(ctx, "jf")
	require.NoError(t, err)
	assert.Equal(t, types.JobFailed, job.Status)
	require.Equal(t, true, strings.Contains(job.ErrorMessage, "renderer crashed"))
}

func TestQRContents_FallbackOrder(t *testing.T) {
	f := setup(t, func(cfg *Config) {
		cfg.VerifyBaseURL = ""
		cfg.VerifyQRBaseURL = ""
	})
	payload := &qrpayload.Payload{V: qrpayload.Version, JobID: "j1"}

	contents, err := f.svc.qrContents(payload, "j1")
	require.NoError(t, err)
	require.Equal(t, 2, len(contents))
	assert.Equal(t, `{"jobId":"j1"}`, contents[1])

	f.svc.cfg.VerifyBaseURL = "https://portal.example.org/"
	contents, err = f.svc.qrContents(payload, "j1")
	require.NoError(t, err)
	require.Equal(t, 2, len(contents))
	assert.Equal(t, "https://portal.example.org/verify?jobId=j1", contents[0])

	f.svc.cfg.VerifyBaseURL = ""
	f.svc.cfg.VerifyQRBaseURL = "https://qr.example.org"
	contents, err = f.svc.qrContents(payload, "j1")
	require.NoError(t, err)
	require.Equal(t, 3, len(contents))
	assert.Equal(t, true, strings.HasPrefix(contents[0], "https://qr.example.org/verify?p="))
	assert.Equal(t, "https://qr.example.org/verify?jobId=j1", contents[1])
}

func TestStartStop_DrainsCleanly(t *testing.T) {
	f := setup(t, func(cfg *Config) {
		cfg.Intervals = Intervals{
			Generate:     10 * time.Millisecond,
			Intermediate: 10 * time.Millisecond,
			Ultimate:     10 * time.Millisecond,
			QR:           10 * time.Millisecond,
			Augment:      10 * time.Millisecond,
		}
	})
	now := time.Now().UTC()
	batch := &types.Batch{
		ID:            "batch-s",
		TenantID:      "tenant-s",
		TemplateID:    "tpl-s",
		Status:        types.BatchPending,
		SigningStatus: types.SigningPending,
		SigningKey:    testKey,
		CreatedAt:     now,
	}
	seedBatch(t, f, batch,
		&types.Job{ID: "js", BatchID: "batch-s", Status: types.JobPending, Data: map[string]interface{}{"name": "S"}, CreatedAt: now},
	)

	f.svc.Start()
	require.NoError(t, f.svc.Status())

	deadline := time.Now().Add(10 * time.Second)
	for {
		b, err := f.store.Batch(context.Background(), "batch-s")
		require.NoError(t, err)
		if b.Status == types.BatchCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("batch did not complete in time")
		}
		time.Sleep(20 * time.Millisecond)
	}

	require.NoError(t, f.svc.Stop())
	require.NotNil(t, f.svc.Status())
}
