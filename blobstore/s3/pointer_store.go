package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/hupe1980/lakego/blobstore"
)

// DDBClient is the subset of the DynamoDB API the pointer store uses.
type DDBClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// PointerStore wraps a BlobStore and serializes one prefix of it,
// typically the snapshot directory, through a DynamoDB table. Blobs
// under the pointer prefix are written with a conditional PutItem, so
// create-if-absent stays atomic even on object stores whose
// If-None-Match support is unreliable. Everything outside the prefix
// passes through untouched.
//
// DynamoDB is authoritative for pointer blobs; each successful write is
// mirrored to the wrapped store on a best-effort basis so that plain
// object-store readers still see the snapshot chain.
//
// The table needs a string partition key "table_uri" and a string sort
// key "name".
type PointerStore struct {
	inner    blobstore.BlobStore
	ddb      DDBClient
	table    string
	tableURI string
	prefix   string
}

var _ blobstore.BlobStore = (*PointerStore)(nil)

// NewPointerStore creates a PointerStore over inner. tableURI
// identifies the table in the DynamoDB partition key; pointerPrefix is
// the blob-name prefix to serialize, e.g. "snapshot/".
func NewPointerStore(inner blobstore.BlobStore, ddb DDBClient, ddbTable, tableURI, pointerPrefix string) *PointerStore {
	return &PointerStore{
		inner:    inner,
		ddb:      ddb,
		table:    ddbTable,
		tableURI: tableURI,
		prefix:   pointerPrefix,
	}
}

func (p *PointerStore) isPointer(name string) bool {
	return strings.HasPrefix(name, p.prefix)
}

func (p *PointerStore) itemKey(name string) map[string]ddbtypes.AttributeValue {
	return map[string]ddbtypes.AttributeValue{
		"table_uri": &ddbtypes.AttributeValueMemberS{Value: p.tableURI},
		"name":      &ddbtypes.AttributeValueMemberS{Value: name},
	}
}

// Open opens a blob for reading. Pointer blobs are read from DynamoDB
// first and fall back to the wrapped store, so pointers written before
// the PointerStore was introduced stay readable.
func (p *PointerStore) Open(ctx context.Context, name string) (blobstore.Blob, error) {
	if !p.isPointer(name) {
		return p.inner.Open(ctx, name)
	}

	out, err := p.ddb.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(p.table),
		Key:            p.itemKey(name),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	if out.Item == nil {
		return p.inner.Open(ctx, name)
	}

	content, ok := out.Item["content"].(*ddbtypes.AttributeValueMemberB)
	if !ok {
		return nil, fmt.Errorf("pointer %s: item has no content attribute", name)
	}
	return &pointerBlob{data: content.Value}, nil
}

// Create buffers the blob and publishes it on Close. Pointer blobs are
// small snapshot descriptors, so buffering is fine.
func (p *PointerStore) Create(ctx context.Context, name string) (blobstore.WritableBlob, error) {
	if !p.isPointer(name) {
		return p.inner.Create(ctx, name)
	}
	return &pointerWritableBlob{ctx: ctx, store: p, name: name}, nil
}

// Put writes a pointer blob unconditionally.
func (p *PointerStore) Put(ctx context.Context, name string, data []byte) error {
	if !p.isPointer(name) {
		return p.inner.Put(ctx, name, data)
	}

	item := p.itemKey(name)
	item["content"] = &ddbtypes.AttributeValueMemberB{Value: data}

	if _, err := p.ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(p.table),
		Item:      item,
	}); err != nil {
		return err
	}

	p.mirror(ctx, name, data)
	return nil
}

// PutIfAbsent writes the blob only if no item with that name exists,
// using a conditional PutItem.
func (p *PointerStore) PutIfAbsent(ctx context.Context, name string, data []byte) error {
	if !p.isPointer(name) {
		return p.inner.PutIfAbsent(ctx, name, data)
	}

	item := p.itemKey(name)
	item["content"] = &ddbtypes.AttributeValueMemberB{Value: data}

	// "name" is a DynamoDB reserved word, hence the alias.
	if _, err := p.ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                aws.String(p.table),
		Item:                     item,
		ConditionExpression:      aws.String("attribute_not_exists(#n)"),
		ExpressionAttributeNames: map[string]string{"#n": "name"},
	}); err != nil {
		var cond *ddbtypes.ConditionalCheckFailedException
		if errors.As(err, &cond) {
			return fmt.Errorf("pointer %s: %w", name, blobstore.ErrAlreadyExists)
		}
		return err
	}

	p.mirror(ctx, name, data)
	return nil
}

// mirror copies a committed pointer to the wrapped store. Failures are
// ignored: DynamoDB already holds the authoritative copy.
func (p *PointerStore) mirror(ctx context.Context, name string, data []byte) {
	_ = p.inner.Put(ctx, name, data)
}

// Stat delegates to the wrapped store. Pointer blobs are mirrored
// there, so names under the pointer prefix resolve too.
func (p *PointerStore) Stat(ctx context.Context, name string) (blobstore.Info, error) {
	st, ok := p.inner.(blobstore.Stater)
	if !ok {
		return blobstore.Info{}, errors.ErrUnsupported
	}
	return st.Stat(ctx, name)
}

// Delete removes the pointer from DynamoDB and the wrapped store.
func (p *PointerStore) Delete(ctx context.Context, name string) error {
	if !p.isPointer(name) {
		return p.inner.Delete(ctx, name)
	}

	if _, err := p.ddb.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(p.table),
		Key:       p.itemKey(name),
	}); err != nil {
		return err
	}
	return p.inner.Delete(ctx, name)
}

// List merges pointer names from DynamoDB with the wrapped store's
// listing, deduplicated and sorted.
func (p *PointerStore) List(ctx context.Context, prefix string) ([]string, error) {
	names, err := p.inner.List(ctx, prefix)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(names))
	for _, n := range names {
		seen[n] = struct{}{}
	}

	// Only consult DynamoDB when the listing can contain pointers.
	if strings.HasPrefix(p.prefix, prefix) || strings.HasPrefix(prefix, p.prefix) {
		queryPrefix := prefix
		if len(p.prefix) > len(prefix) {
			queryPrefix = p.prefix
		}

		var startKey map[string]ddbtypes.AttributeValue
		for {
			out, err := p.ddb.Query(ctx, &dynamodb.QueryInput{
				TableName:              aws.String(p.table),
				KeyConditionExpression: aws.String("table_uri = :t AND begins_with(#n, :p)"),
				ExpressionAttributeNames: map[string]string{
					"#n": "name",
				},
				ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
					":t": &ddbtypes.AttributeValueMemberS{Value: p.tableURI},
					":p": &ddbtypes.AttributeValueMemberS{Value: queryPrefix},
				},
				ExclusiveStartKey: startKey,
			})
			if err != nil {
				return nil, err
			}
			for _, item := range out.Items {
				if n, ok := item["name"].(*ddbtypes.AttributeValueMemberS); ok {
					if _, dup := seen[n.Value]; !dup {
						seen[n.Value] = struct{}{}
						names = append(names, n.Value)
					}
				}
			}
			if out.LastEvaluatedKey == nil {
				break
			}
			startKey = out.LastEvaluatedKey
		}
	}

	sort.Strings(names)
	return names, nil
}

// pointerBlob serves a DynamoDB item's content as a read-only blob.
type pointerBlob struct {
	data []byte
}

func (b *pointerBlob) Size() int64  { return int64(len(b.data)) }
func (b *pointerBlob) Close() error { return nil }

func (b *pointerBlob) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if off >= int64(len(b.data)) {
		return 0, io.EOF
	}
	n := copy(p, b.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (b *pointerBlob) ReadRange(ctx context.Context, off, length int64) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if off >= int64(len(b.data)) {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}
	end := min(off+length, int64(len(b.data)))
	return io.NopCloser(bytes.NewReader(b.data[off:end])), nil
}

// pointerWritableBlob buffers writes and publishes through Put on Close.
type pointerWritableBlob struct {
	ctx    context.Context
	store  *PointerStore
	name   string
	buf    bytes.Buffer
	closed bool
}

func (b *pointerWritableBlob) Write(p []byte) (int, error) {
	if b.closed {
		return 0, io.ErrClosedPipe
	}
	return b.buf.Write(p)
}

func (b *pointerWritableBlob) Sync() error { return nil }

func (b *pointerWritableBlob) Close() error {
	if b.closed {
		return io.ErrClosedPipe
	}
	b.closed = true
	return b.store.Put(b.ctx, b.name, b.buf.Bytes())
}
