package metadataserver

import (
	"encoding/json"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"replicafs/internal/protocol"
)

const (
	filePrefix = "file/"
	nodePrefix = "node/"
)

// levelPersister writes every metadata mutation through to a LevelDB
// database. An empty path keeps the database in memory.
type levelPersister struct {
	db *leveldb.DB
}

func openPersister(path string) (*levelPersister, error) {
	var (
		db  *leveldb.DB
		err error
	)
	if path == "" {
		db, err = leveldb.Open(storage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(path, &opt.Options{})
	}
	if err != nil {
		return nil, fmt.Errorf("open metadata db %q: %w", path, err)
	}

	return &levelPersister{db: db}, nil
}

func (p *levelPersister) SaveFile(rec fileRecord) error {
	return p.put(filePrefix+rec.ID, rec)
}

func (p *levelPersister) SaveNode(status protocol.NodeStatus) error {
	return p.put(nodePrefix+status.ID, status)
}

func (p *levelPersister) put(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}

	if err := p.db.Put([]byte(key), data, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}

	return nil
}

func (p *levelPersister) LoadFiles() ([]fileRecord, error) {
	var out []fileRecord
	err := p.scan(filePrefix, func(key, value []byte) error {
		var rec fileRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		out = append(out, rec)
		return nil
	})

	return out, err
}

func (p *levelPersister) LoadNodes() ([]protocol.NodeStatus, error) {
	var out []protocol.NodeStatus
	err := p.scan(nodePrefix, func(key, value []byte) error {
		var status protocol.NodeStatus
		if err := json.Unmarshal(value, &status); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		out = append(out, status)
		return nil
	})

	return out, err
}

func (p *levelPersister) scan(prefix string, fn func(key, value []byte) error) error {
	iter := p.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer iter.Release()

	for iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			return err
		}
	}

	if err := iter.Error(); err != nil {
		return fmt.Errorf("scan %s: %w", prefix, err)
	}

	return nil
}

func (p *levelPersister) Close() error {
	if p == nil || p.db == nil {
		return nil
	}

	return p.db.Close()
}
