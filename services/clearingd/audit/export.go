package audit

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

// exportPage bounds how many rows are loaded per query while exporting.
const exportPage = maxLimit

var csvHeader = []string{"seq", "id", "type", "vault", "account", "created_at", "attributes"}

type parquetRow struct {
	Seq        int64  `parquet:"name=seq, type=INT64"`
	ID         string `parquet:"name=id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Type       string `parquet:"name=type, type=BYTE_ARRAY, convertedtype=UTF8"`
	Vault      string `parquet:"name=vault, type=BYTE_ARRAY, convertedtype=UTF8"`
	Account    string `parquet:"name=account, type=BYTE_ARRAY, convertedtype=UTF8"`
	CreatedAt  string `parquet:"name=created_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	Attributes string `parquet:"name=attributes, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// each pages through every entry matching filter, ignoring its Limit and
// AfterSeq.
func (s *Store) each(ctx context.Context, filter Filter, fn func(Entry) error) (int, error) {
	filter.Limit = exportPage
	filter.AfterSeq = 0
	count := 0
	for {
		page, err := s.Query(ctx, filter)
		if err != nil {
			return count, err
		}
		for _, entry := range page {
			if err := fn(entry); err != nil {
				return count, err
			}
			count++
		}
		if len(page) < exportPage {
			return count, nil
		}
		filter.AfterSeq = page[len(page)-1].Seq
	}
}

// ExportCSV writes matching entries to w and returns the row count.
func (s *Store) ExportCSV(ctx context.Context, w io.Writer, filter Filter) (int, error) {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return 0, fmt.Errorf("audit: write csv header: %w", err)
	}
	n, err := s.each(ctx, filter, func(e Entry) error {
		return cw.Write([]string{
			strconv.FormatUint(e.Seq, 10),
			e.ID.String(),
			e.Type,
			e.Vault,
			e.Account,
			e.CreatedAt.UTC().Format(time.RFC3339Nano),
			e.Attributes,
		})
	})
	if err != nil {
		return n, err
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return n, fmt.Errorf("audit: flush csv: %w", err)
	}
	return n, nil
}

// ExportParquet writes matching entries to w as a snappy-compressed parquet
// file and returns the row count.
func (s *Store) ExportParquet(ctx context.Context, w io.Writer, filter Filter) (int, error) {
	pw, err := writer.NewParquetWriter(writerfile.NewWriterFile(w), new(parquetRow), 1)
	if err != nil {
		return 0, fmt.Errorf("audit: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	n, err := s.each(ctx, filter, func(e Entry) error {
		return pw.Write(&parquetRow{
			Seq:        int64(e.Seq),
			ID:         e.ID.String(),
			Type:       e.Type,
			Vault:      e.Vault,
			Account:    e.Account,
			CreatedAt:  e.CreatedAt.UTC().Format(time.RFC3339Nano),
			Attributes: e.Attributes,
		})
	})
	if err != nil {
		_ = pw.WriteStop()
		return n, fmt.Errorf("audit: parquet write: %w", err)
	}
	if err := pw.WriteStop(); err != nil {
		return n, fmt.Errorf("audit: parquet flush: %w", err)
	}
	return n, nil
}
