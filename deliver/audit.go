package deliver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mjl-/bstore"
)

// AuditRecord is one delivery recorded by the audit backend: the
// privileged parent's confirmation that it ran a STATEFUL action for a
// given account/uid, without ever touching the mail bytes.
type AuditRecord struct {
	ID      int64
	Time    time.Time
	Account string `bstore:"index"`
	Action  string
	UID     uint32
	Size    int
}

var (
	auditMu sync.Mutex
	auditDB = map[string]*bstore.DB{} // keyed by absolute db path.
)

// auditBackend records one structured row per delivery to a bstore
// database, without ever rewriting the mail: a STATEFUL action that must
// run in the privileged parent (so the database lives in a directory the
// child's own uid cannot write to) but carries no write-back payload,
// exercising the third leg of the IN-CHILD/WRITE-BACK/STATEFUL taxonomy
// alongside mboxBackend/pipeBackend (in-child) and maildirBackend
// (write-back).
type auditBackend struct{}

func init() { Register("audit", auditBackend{}) }

func (auditBackend) Kind() Kind { return TypeStateful }

func (auditBackend) Deliver(ctx *DeliverCtx) error {
	return fmt.Errorf("audit: stateful backend cannot run in-child")
}

func openAuditDB(path string) (*bstore.DB, error) {
	auditMu.Lock()
	defer auditMu.Unlock()
	if db, ok := auditDB[path]; ok {
		return db, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0770); err != nil {
		return nil, fmt.Errorf("audit: making database directory: %w", err)
	}
	db, err := bstore.Open(context.Background(), path, &bstore.Options{Timeout: 5 * time.Second, Perm: 0660}, AuditRecord{})
	if err != nil {
		return nil, fmt.Errorf("audit: opening database: %w", err)
	}
	auditDB[path] = db
	return db, nil
}

// RecordAsUID inserts one AuditRecord into the database at path, the way
// the privileged parent performs a STATEFUL action on a child's behalf.
// The caller is responsible for having already become uid/gid.
func RecordAsUID(path string, rec AuditRecord) error {
	db, err := openAuditDB(path)
	if err != nil {
		return err
	}
	if err := db.Insert(context.Background(), &rec); err != nil {
		return fmt.Errorf("audit: inserting record: %w", err)
	}
	return nil
}

// QueryAccount returns every audit record for account, newest-insertion-
// order-preserved, for use by tests and administrative tooling.
func QueryAccount(path, account string) ([]AuditRecord, error) {
	db, err := openAuditDB(path)
	if err != nil {
		return nil, err
	}
	return bstore.QueryDB[AuditRecord](context.Background(), db).FilterEqual("Account", account).List()
}
