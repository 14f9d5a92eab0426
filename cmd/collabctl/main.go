package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/notefold/collab/collab"
	"github.com/notefold/collab/crdt"
	"github.com/notefold/collab/store"
)

const CollabCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Collab store control.

Inspect and maintain a local collab store.

Usage:
    collabctl objects --store=<store> --workspace=<workspace>
    collabctl meta --store=<store> --workspace=<workspace> --object=<object>
    collabctl dump --store=<store> --workspace=<workspace> --object=<object>
    collabctl compact --store=<store> --workspace=<workspace> --object=<object>

Options:
    -h --help                  Show this screen.
    --version                  Show version.
    --store=<store>            Path to the store directory.
    --workspace=<workspace>    Workspace id.
    --object=<object>          Object id.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], CollabCtlVersion)
	if err != nil {
		panic(err)
	}

	storePath, _ := opts.String("--store")
	kv, err := store.Open(storePath)
	if err != nil {
		Err.Fatalf("could not open store: %s", err)
	}
	defer kv.Close()

	workspaceId, _ := opts.String("--workspace")

	if objectsCmd, _ := opts.Bool("objects"); objectsCmd {
		objects(kv, workspaceId)
	} else if metaCmd, _ := opts.Bool("meta"); metaCmd {
		objectId, _ := opts.String("--object")
		meta(kv, workspaceId, objectId)
	} else if dumpCmd, _ := opts.Bool("dump"); dumpCmd {
		objectId, _ := opts.String("--object")
		dump(kv, workspaceId, objectId)
	} else if compactCmd, _ := opts.Bool("compact"); compactCmd {
		objectId, _ := opts.String("--object")
		compact(kv, workspaceId, objectId)
	} else {
		Err.Fatalf("unknown command")
	}
}

func objects(kv *store.Store, workspaceId string) {
	objectIds, err := kv.Objects(workspaceId)
	if err != nil {
		Err.Fatalf("%s", err)
	}
	for _, objectId := range objectIds {
		Out.Printf("%s", objectId)
	}
}

func meta(kv *store.Store, workspaceId string, objectId string) {
	m, err := kv.Meta(workspaceId, objectId)
	if err != nil {
		Err.Fatalf("%s", err)
	}
	size, err := kv.SizeEstimate(workspaceId, objectId)
	if err != nil {
		Err.Fatalf("%s", err)
	}
	Out.Printf("next_seq: %d", m.NextSeq)
	Out.Printf("update_count: %d", m.UpdateCount)
	Out.Printf("log_bytes: %d", m.LogBytes)
	Out.Printf("last_flush_at: %s", time.Unix(m.LastFlushAt, 0).Format(time.RFC3339))
	Out.Printf("schema_version: %d", m.SchemaVersion)
	Out.Printf("size_estimate: %d", size)
}

func loadDoc(kv *store.Store, workspaceId string, objectId string) (*crdt.Doc, error) {
	doc := crdt.NewDoc()
	snapshot, ok, err := kv.Snapshot(workspaceId, objectId)
	if err != nil {
		return nil, err
	}
	if ok {
		encoded, err := collab.DecodeFromBytes(snapshot)
		if err != nil {
			return nil, err
		}
		if err := collab.RestoreDoc(doc, encoded); err != nil {
			return nil, err
		}
	}
	err = kv.Updates(workspaceId, objectId, func(seq uint64, update []byte) error {
		_, err := doc.ApplyUpdate(update)
		return err
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func dump(kv *store.Store, workspaceId string, objectId string) {
	doc, err := loadDoc(kv, workspaceId, objectId)
	if err != nil {
		Err.Fatalf("%s", err)
	}
	mapNames, listNames := doc.Containers()
	for _, name := range mapNames {
		Out.Printf("map %s:", name)
		m := doc.GetMap(name)
		for _, key := range m.Keys() {
			value, _ := m.Get(key)
			Out.Printf("  %s = %v", key, value)
		}
	}
	for _, name := range listNames {
		text := doc.GetText(name)
		if s := text.String(); s != "" {
			Out.Printf("text %s: %q", name, s)
			continue
		}
		Out.Printf("array %s: %v", name, doc.GetArray(name).ToJSON())
	}
	Out.Printf("state vector: %v", doc.StateVector())
}

func compact(kv *store.Store, workspaceId string, objectId string) {
	doc, err := loadDoc(kv, workspaceId, objectId)
	if err != nil {
		Err.Fatalf("%s", err)
	}
	encoded := collab.NewEncodedCollabV1(
		doc.StateVector().Encode(),
		doc.EncodeStateAsUpdateV1(crdt.StateVector{}),
	)
	if err := kv.Compact(workspaceId, objectId, encoded.EncodeToBytes(), time.Now().Unix()); err != nil {
		Err.Fatalf("%s", err)
	}
	fmt.Println("compacted")
}
