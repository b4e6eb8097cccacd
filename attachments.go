package docdb

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/andreyvit/docdb/blobstore"
)

// Attachment metadata as it appears under _attachments in a stored body:
//
//	{"content_type": "text/plain", "digest": "sha1-...", "length": 12,
//	 "revpos": 2, "stub": true, "encoding": "gzip", "encoded_length": 30}
//
// Incoming bodies may carry "data" (base64 content), "follows" (content
// installed beforehand through NewAttachmentWriter) or "stub" (content
// unchanged from the parent revision).
const (
	attContentType   = "content_type"
	attDigest        = "digest"
	attLength        = "length"
	attRevPos        = "revpos"
	attStub          = "stub"
	attData          = "data"
	attFollows       = "follows"
	attEncoding      = "encoding"
	attEncodedLength = "encoded_length"
)

// followsThreshold is the size above which ExpandAttachments prefers
// "follows" over inline data when the caller allows it.
const followsThreshold = 8 * 1024

type Attachment struct {
	db  *Database
	rev *Revision

	Name          string
	ContentType   string
	Digest        string
	Length        int64
	EncodedLength int64
	Encoding      string
	RevPos        int
}

func attachmentFromMeta(db *Database, rev *Revision, name string, meta map[string]any) *Attachment {
	a := &Attachment{db: db, rev: rev, Name: name}
	a.ContentType, _ = meta[attContentType].(string)
	a.Digest, _ = meta[attDigest].(string)
	a.Encoding, _ = meta[attEncoding].(string)
	a.Length = int64(numberOf(meta[attLength]))
	a.EncodedLength = int64(numberOf(meta[attEncodedLength]))
	a.RevPos = int(numberOf(meta[attRevPos]))
	return a
}

func numberOf(v any) float64 {
	f, _ := v.(float64)
	return f
}

func (a *Attachment) Revision() *Revision { return a.rev }

func (a *Attachment) Key() (blobstore.Key, error) {
	key, err := blobstore.ParseKey(a.Digest)
	if err != nil {
		return key, newErr(StatusBadAttachment, "attachment", a.docID(), "", err, "attachment %s has invalid digest", a.Name)
	}
	return key, nil
}

func (a *Attachment) docID() string {
	if a.rev == nil {
		return ""
	}
	return a.rev.docID
}

func (a *Attachment) blobErr(err error) error {
	if errors.Is(err, blobstore.ErrNotFound) {
		return newErr(StatusNotFound, "attachment", a.docID(), "", err, "content of attachment %s (%s) is missing", a.Name, a.Digest)
	}
	return wrapStorageErr("attachment", err)
}

// ContentReader streams the decoded content.
func (a *Attachment) ContentReader() (io.ReadCloser, error) {
	key, err := a.Key()
	if err != nil {
		return nil, err
	}
	r, err := a.db.core.blobs.Open(key)
	if err != nil {
		return nil, a.blobErr(err)
	}
	return r, nil
}

// Content returns the decoded content.
func (a *Attachment) Content() ([]byte, error) {
	key, err := a.Key()
	if err != nil {
		return nil, err
	}
	data, err := a.db.core.blobs.Read(key)
	if err != nil {
		return nil, a.blobErr(err)
	}
	return data, nil
}

// EncodedContent returns the content as stored, along with its encoding.
func (a *Attachment) EncodedContent() ([]byte, string, error) {
	key, err := a.Key()
	if err != nil {
		return nil, "", err
	}
	data, enc, err := a.db.core.blobs.ReadEncoded(key)
	if err != nil {
		return nil, "", a.blobErr(err)
	}
	return data, enc.String(), nil
}

// Attachments returns the revision's attachments sorted by name.
func (rev *Revision) Attachments() []*Attachment {
	body, err := rev.loadBody()
	if err != nil {
		return nil
	}
	atts, _ := body["_attachments"].(map[string]any)
	names := sortedKeys(atts)
	result := make([]*Attachment, 0, len(names))
	for _, name := range names {
		if meta, ok := atts[name].(map[string]any); ok {
			result = append(result, attachmentFromMeta(rev.db, rev, name, meta))
		}
	}
	return result
}

func (rev *Revision) AttachmentNames() []string {
	body, _ := rev.loadBody()
	atts, _ := body["_attachments"].(map[string]any)
	return sortedKeys(atts)
}

// Attachment returns the named attachment or an error with
// StatusAttachmentNotFound.
func (rev *Revision) Attachment(name string) (*Attachment, error) {
	body, err := rev.loadBody()
	if err != nil {
		return nil, err
	}
	atts, _ := body["_attachments"].(map[string]any)
	meta, ok := atts[name].(map[string]any)
	if !ok {
		return nil, newErr(StatusAttachmentNotFound, "attachment", rev.docID, rev.revID, nil, "no attachment named %q", name)
	}
	return attachmentFromMeta(rev.db, rev, name, meta), nil
}

// NewAttachmentWriter starts a blob in the given encoding ("" or "gzip").
// After Install, reference it from a body as
// {"digest": w.Key().String(), "follows": true}.
func (db *Database) NewAttachmentWriter(encoding string) (*blobstore.Writer, error) {
	enc, err := blobstore.ParseEncoding(encoding)
	if err != nil {
		return nil, newErr(StatusBadEncoding, "attachment", "", "", err, "%s", err.Error())
	}
	w, err := db.core.blobs.NewWriter(enc)
	if err != nil {
		return nil, wrapStorageErr("attachment", err)
	}
	return w, nil
}

func (db *Database) Blobs() *blobstore.Store {
	return db.core.blobs
}

// attachmentContext is what processAttachments needs to know about the new
// revision's ancestry.
type attachmentContext struct {
	docID      string
	generation int
	parentAtts map[string]any

	// replicated revisions carry authoritative revpos values
	preserveRevPos bool
}

func (ac *attachmentContext) parentMeta(name string) map[string]any {
	m, _ := ac.parentAtts[name].(map[string]any)
	return m
}

// processAttachments installs inline attachment content and rewrites every
// entry into stored stub form. Blobs installed here stay if the write later
// fails; compaction reclaims them.
func (db *Database) processAttachments(body map[string]any, ac *attachmentContext) error {
	atts, _ := body["_attachments"].(map[string]any)
	if len(atts) == 0 {
		return nil
	}
	out := make(map[string]any, len(atts))
	for _, name := range sortedKeys(atts) {
		meta, ok := atts[name].(map[string]any)
		if !ok {
			return newErr(StatusBadAttachment, "put", ac.docID, "", nil, "attachment %q is not an object", name)
		}
		stored, err := db.processAttachment(name, meta, ac)
		if err != nil {
			return err
		}
		out[name] = stored
	}
	body["_attachments"] = out
	return nil
}

func (db *Database) processAttachment(name string, meta map[string]any, ac *attachmentContext) (map[string]any, error) {
	blobs := db.core.blobs
	badAtt := func(err error, format string, args ...any) error {
		return newErr(StatusBadAttachment, "put", ac.docID, "", err, "attachment %q: %s", name, fmt.Sprintf(format, args...))
	}

	stored := map[string]any{attStub: true}
	if ct, ok := meta[attContentType].(string); ok {
		stored[attContentType] = ct
	}

	parent := ac.parentMeta(name)
	revpos := ac.generation
	if ac.preserveRevPos {
		if rp := int(numberOf(meta[attRevPos])); rp > 0 {
			revpos = rp
		}
	}

	switch {
	case meta[attData] != nil:
		s, ok := meta[attData].(string)
		if !ok {
			return nil, badAtt(nil, "data must be a base64 string")
		}
		raw, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, badAtt(err, "invalid base64 data")
		}
		encName, _ := meta[attEncoding].(string)
		enc, err := blobstore.ParseEncoding(encName)
		if err != nil {
			return nil, newErr(StatusBadEncoding, "put", ac.docID, "", err, "attachment %q", name)
		}
		w, err := blobs.NewWriter(enc)
		if err != nil {
			return nil, wrapStorageErr("put", err)
		}
		_, err = w.Write(raw)
		if err != nil {
			w.Cancel()
		} else {
			err = w.Install()
		}
		if err != nil {
			if enc == blobstore.Gzip {
				return nil, newErr(StatusBadEncoding, "put", ac.docID, "", err, "attachment %q is not valid gzip", name)
			}
			return nil, wrapStorageErr("put", err)
		}
		stored[attDigest] = w.Key().String()
		stored[attLength] = float64(w.Length())
		if enc == blobstore.Gzip {
			stored[attEncoding] = enc.String()
			stored[attEncodedLength] = float64(w.EncodedLength())
		}
		if parent != nil && parent[attDigest] == stored[attDigest] && !ac.preserveRevPos {
			if rp := int(numberOf(parent[attRevPos])); rp > 0 {
				revpos = rp
			}
		}

	case meta[attFollows] == true:
		digest, _ := meta[attDigest].(string)
		key, err := blobstore.ParseKey(digest)
		if err != nil {
			return nil, badAtt(err, "follows requires a digest")
		}
		key = blobs.Resolve(key)
		info, err := blobs.Info(key)
		if err != nil {
			return nil, newErr(StatusBadAttachment, "put", ac.docID, "", err, "attachment %q: content %s was not installed", name, digest)
		}
		stored[attDigest] = key.String()
		stored[attLength] = float64(info.Length)
		if info.Encoding != blobstore.Identity {
			stored[attEncoding] = info.Encoding.String()
			stored[attEncodedLength] = float64(info.EncodedLength)
		}

	case meta[attStub] == true:
		digest, _ := meta[attDigest].(string)
		if parent != nil && (digest == "" || digest == parent[attDigest]) {
			for k, v := range parent {
				stored[k] = v
			}
			if ct, ok := meta[attContentType].(string); ok {
				stored[attContentType] = ct
			}
			return db.upgradeAttachmentDigest(stored)
		}
		key, err := blobstore.ParseKey(digest)
		if err != nil || !blobs.Has(key) {
			return nil, newErr(StatusAttachmentNotFound, "put", ac.docID, "", err, "stub attachment %q has no content", name)
		}
		for _, k := range []string{attDigest, attLength, attEncoding, attEncodedLength} {
			if v, ok := meta[k]; ok {
				stored[k] = v
			}
		}
		if rp := int(numberOf(meta[attRevPos])); rp > 0 {
			revpos = rp
		}
		stored[attRevPos] = float64(revpos)
		return db.upgradeAttachmentDigest(stored)

	default:
		return nil, badAtt(nil, "needs data, follows or stub")
	}

	stored[attRevPos] = float64(revpos)
	return stored, nil
}

// upgradeAttachmentDigest rewrites a legacy MD5 digest to SHA-1 when the
// content is available.
func (db *Database) upgradeAttachmentDigest(meta map[string]any) (map[string]any, error) {
	digest, _ := meta[attDigest].(string)
	key, err := blobstore.ParseKey(digest)
	if err != nil || key.Alg != blobstore.MD5 {
		return meta, nil
	}
	newKey, err := db.core.blobs.UpgradeMD5(key)
	if errors.Is(err, blobstore.ErrNotFound) {
		return meta, nil
	} else if err != nil {
		return nil, wrapStorageErr("upgrade attachment", err)
	}
	meta[attDigest] = newKey.String()
	return meta, nil
}

// attachmentKeys collects the blob keys a body references.
func attachmentKeys(body map[string]any, into map[blobstore.Key]bool) {
	atts, _ := body["_attachments"].(map[string]any)
	for _, m := range atts {
		meta, _ := m.(map[string]any)
		digest, _ := meta[attDigest].(string)
		if key, err := blobstore.ParseKey(digest); err == nil {
			into[key] = true
		}
	}
}

// ExpandAttachments returns rev's properties with attachment content
// inlined for every attachment whose revpos is at least minRevPos; older
// ones stay stubs. With allowFollows, large attachments are marked
// "follows" instead of inlined. Unless decode is set, gzip-stored content is
// inlined still compressed and keeps its encoding.
func (db *Database) ExpandAttachments(rev *Revision, minRevPos int, allowFollows, decode bool) (map[string]any, error) {
	props, err := rev.LoadProperties()
	if err != nil {
		return nil, err
	}
	atts, _ := props["_attachments"].(map[string]any)
	if len(atts) == 0 {
		return props, nil
	}
	names := make([]string, 0, len(atts))
	for name := range atts {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		meta, _ := atts[name].(map[string]any)
		a := attachmentFromMeta(db, rev, name, meta)
		if a.RevPos < minRevPos {
			continue
		}
		delete(meta, attStub)
		if allowFollows && a.Length >= followsThreshold {
			meta[attFollows] = true
			continue
		}
		var data []byte
		var enc string
		if !decode && a.Encoding != "" {
			// identical content may be stored in another encoding
			data, enc, err = a.EncodedContent()
			if err != nil {
				return nil, err
			}
		}
		if data == nil || enc != a.Encoding {
			data, err = a.Content()
			if err != nil {
				return nil, err
			}
			delete(meta, attEncoding)
			delete(meta, attEncodedLength)
		}
		meta[attData] = base64.StdEncoding.EncodeToString(data)
	}
	return props, nil
}
