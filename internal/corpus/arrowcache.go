package corpus

import (
	"fmt"
	"os"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// Token shards are Arrow IPC streams with one row per sentence:
// { doc: int32, tokens: list<int32> }. Rows are written in document
// order, so reconstruction only needs the doc column.
func tokenShardSchema() *arrow.Schema {
	return arrow.NewSchema(
		[]arrow.Field{
			{Name: "doc", Type: arrow.PrimitiveTypes.Int32},
			{Name: "tokens", Type: arrow.ListOf(arrow.PrimitiveTypes.Int32)},
		},
		nil,
	)
}

// writeTokenShard persists a tokenized corpus as an Arrow IPC stream.
func writeTokenShard(path string, tokenized [][][]int) error {
	pool := memory.NewGoAllocator()
	schema := tokenShardSchema()

	docBuilder := array.NewInt32Builder(pool)
	defer docBuilder.Release()

	tokensBuilder := array.NewListBuilder(pool, arrow.PrimitiveTypes.Int32)
	defer tokensBuilder.Release()
	valueBuilder := tokensBuilder.ValueBuilder().(*array.Int32Builder)

	rows := int64(0)
	for docIdx, sentences := range tokenized {
		for _, ids := range sentences {
			docBuilder.Append(int32(docIdx))
			tokensBuilder.Append(true)
			for _, id := range ids {
				valueBuilder.Append(int32(id))
			}
			rows++
		}
	}

	docArr := docBuilder.NewArray()
	defer docArr.Release()
	tokensArr := tokensBuilder.NewArray()
	defer tokensArr.Release()

	rec := array.NewRecordBatch(schema, []arrow.Array{docArr, tokensArr}, rows)
	defer rec.Release()

	f, err := os.Create(path)
	if err != nil {
		return err
	}

	writer := ipc.NewWriter(f, ipc.WithSchema(schema))
	if err := writer.Write(rec); err != nil {
		_ = writer.Close()
		_ = f.Close()
		return err
	}
	if err := writer.Close(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// readTokenShard loads a tokenized corpus from an Arrow IPC stream.
func readTokenShard(path string) ([][][]int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	reader, err := ipc.NewReader(f, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return nil, err
	}
	defer reader.Release()

	var tokenized [][][]int
	for reader.Next() {
		rec := reader.Record()

		docCol, ok := rec.Column(0).(*array.Int32)
		if !ok {
			return nil, fmt.Errorf("token shard %s: unexpected doc column type", path)
		}
		tokensCol, ok := rec.Column(1).(*array.List)
		if !ok {
			return nil, fmt.Errorf("token shard %s: unexpected tokens column type", path)
		}
		values := tokensCol.ListValues().(*array.Int32)

		for row := 0; row < int(rec.NumRows()); row++ {
			docIdx := int(docCol.Value(row))
			for docIdx >= len(tokenized) {
				tokenized = append(tokenized, nil)
			}

			start, end := tokensCol.ValueOffsets(row)
			ids := make([]int, 0, end-start)
			for i := start; i < end; i++ {
				ids = append(ids, int(values.Value(int(i))))
			}
			tokenized[docIdx] = append(tokenized[docIdx], ids)
		}
	}
	if err := reader.Err(); err != nil {
		return nil, err
	}
	return tokenized, nil
}
