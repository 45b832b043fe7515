// Package qrpayload builds the v2 QR payload carried by issued certificates
// and its compressed link form. The full payload compresses with raw deflate
// and encodes as unpadded base64url; when a verification portal base URL is
// configured, a short URL carrying only the job id is preferred.
package qrpayload

import (
	"bytes"
	"compress/flate"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/url"

	"github.com/pkg/errors"

	"github.com/sojitrayash/blockchaindoc-certificate-worker/crypto/hash"
	"github.com/sojitrayash/blockchaindoc-certificate-worker/encoding/canonicaljson"
	"github.com/sojitrayash/blockchaindoc-certificate-worker/issuer/types"
)

// Version is the payload schema version.
const Version = 2

// Payload is the v2 QR payload. Proof fields store sibling hashes only:
// sorted-pair Merkle verification needs no position flags.
type Payload struct {
	V               int                    `json:"v"`
	JobID           string                 `json:"jobId"`
	BatchID         string                 `json:"batchId"`
	TenantID        string                 `json:"tenantId"`
	TemplateID      string                 `json:"templateId"`
	TemplateHash    string                 `json:"templateHash"`
	Fields          map[string]interface{} `json:"fields"`
	FieldsHash      string                 `json:"fieldsHash"`
	DocumentHash    string                 `json:"documentHash"`
	TxHash          string                 `json:"txHash"`
	Network         string                 `json:"network"`
	MPU             []string               `json:"MPU"`
	MPI             []string               `json:"MPI"`
	IssuerID        string                 `json:"issuerId"`
	IssuerPublicKey string                 `json:"issuerPublicKey"`
	MRI             string                 `json:"MRI"`
	MRU             string                 `json:"MRU"`
	Ed              *int64                 `json:"Ed"`
	Ei              *int64                 `json:"Ei"`
	SI              string                 `json:"SI"`
}

// Build assembles the payload for a generated job. The template restricts
// which input fields are exposed; with no declared parameters the whole
// input is included.
func Build(job *types.Job, batch *types.Batch, tpl *types.Template, issuerID, issuerPubKey string) (*Payload, error) {
	if job == nil || batch == nil || tpl == nil {
		return nil, errors.New("job, batch and template are required")
	}
	fields := restrictFields(job.Data, tpl.Params)
	templateHash := hash.Keccak256Hex([]byte(tpl.HTML))
	fieldsHash, err := HashFields(tpl.ID, templateHash, fields)
	if err != nil {
		return nil, err
	}
	p := &Payload{
		V:               Version,
		JobID:           job.ID,
		BatchID:         batch.ID,
		TenantID:        batch.TenantID,
		TemplateID:      tpl.ID,
		TemplateHash:    templateHash,
		Fields:          fields,
		FieldsHash:      fieldsHash,
		DocumentHash:    job.DocumentHash,
		TxHash:          batch.TxHash,
		Network:         batch.Network,
		MPU:             batch.MerkleProofUltimate,
		MPI:             job.MerkleProofIntermediate,
		IssuerID:        issuerID,
		IssuerPublicKey: issuerPubKey,
		MRI:             batch.MerkleRoot,
		MRU:             batch.MerkleRootUltimate,
		SI:              job.IssuerSignature,
	}
	if batch.ExpiryDate != nil {
		ed := batch.ExpiryDate.Unix()
		p.Ed = &ed
	}
	if batch.InvalidationExpiry != nil {
		ei := batch.InvalidationExpiry.Unix()
		p.Ei = &ei
	}
	return p, nil
}

// HashFields computes the canonical hash binding the visible fields to the
// template they were rendered with.
func HashFields(templateID, templateHash string, fields map[string]interface{}) (string, error) {
	canonical, err := canonicaljson.Marshal(map[string]interface{}{
		"templateId":   templateID,
		"templateHash": templateHash,
		"fields":       fields,
	})
	if err != nil {
		return "", errors.Wrap(err, "could not canonicalize fields")
	}
	return hash.Keccak256Hex(canonical), nil
}

// Encode compresses the JSON payload with raw deflate and returns it as
// unpadded base64url.
func (p *Payload) Encode() (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", errors.Wrap(err, "could not marshal payload")
	}
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestCompression)
	if err != nil {
		return "", errors.Wrap(err, "could not create deflate writer")
	}
	if _, err := w.Write(raw); err != nil {
		return "", errors.Wrap(err, "could not compress payload")
	}
	if err := w.Close(); err != nil {
		return "", errors.Wrap(err, "could not flush compressed payload")
	}
	return base64.RawURLEncoding.EncodeToString(buf.Bytes()), nil
}

// Decode reverses Encode.
func Decode(encoded string) (*Payload, error) {
	compressed, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, errors.Wrap(err, "payload is not valid base64url")
	}
	r := flate.NewReader(bytes.NewReader(compressed))
	defer func() {
		_ = r.Close()
	}()
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "could not decompress payload")
	}
	p := &Payload{}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, errors.Wrap(err, "could not unmarshal payload")
	}
	return p, nil
}

// Link returns the full-payload verification URL.
func Link(baseURL string, p *Payload) (string, error) {
	encoded, err := p.Encode()
	if err != nil {
		return "", err
	}
	return verifyURL(baseURL, url.Values{"p": {encoded}}), nil
}

// ShortLink returns the job-id verification URL used when the portal can
// fetch the persisted payload itself.
func ShortLink(baseURL, jobID string) string {
	return verifyURL(baseURL, url.Values{"jobId": {jobID}})
}

// MinimalFallback is the smallest payload that still identifies the job,
// used when even the short URL overflows the QR capacity ladder.
func MinimalFallback(jobID string) string {
	raw, _ := json.Marshal(map[string]string{"jobId": jobID})
	return string(raw)
}

func verifyURL(baseURL string, params url.Values) string {
	base := baseURL
	for len(base) > 0 && base[len(base)-1] == '/' {
		base = base[:len(base)-1]
	}
	return base + "/verify?" + params.Encode()
}

func restrictFields(data map[string]interface{}, declared []string) map[string]interface{} {
	if len(declared) == 0 {
		if data == nil {
			return map[string]interface{}{}
		}
		return data
	}
	out := make(map[string]interface{}, len(declared))
	for _, name := range declared {
		if v, ok := data[name]; ok {
			out[name] = v
		}
	}
	return out
}
