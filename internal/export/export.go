// Package export writes the stored column metadata to a Parquet file so it can be
// joined against the loaded tables with any Parquet-aware tool.
package export

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"github.com/kmproj/jpksj-to-sql/internal/db"
)

// Columns is the Parquet schema of the export, one entry per column of db.ColumnRow.
var Columns = []string{
	"name=table_key, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=REQUIRED",
	"name=table_name, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL",
	"name=position, type=INT32, repetitiontype=REQUIRED",
	"name=column_name, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=REQUIRED",
	"name=data_type, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL",
	"name=description, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL",
	"name=foreign_table, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL",
	"name=foreign_column, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL",
	"name=enum_values, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL",
}

const writerParallelism = 4

// WriteColumns writes rows to path, replacing any existing file. Empty optional
// strings are written as nulls.
func WriteColumns(path string, rows []db.ColumnRow) (err error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create export dir %s: %w", dir, err)
		}
	}

	fw, err := local.NewLocalFileWriter(path)
	if err != nil {
		return fmt.Errorf("create parquet file %s: %w", path, err)
	}
	defer func() {
		if closeErr := fw.Close(); closeErr != nil {
			err = errors.Join(err, fmt.Errorf("close %s: %w", path, closeErr))
		}
	}()

	pw, err := writer.NewCSVWriter(Columns, fw, writerParallelism)
	if err != nil {
		return fmt.Errorf("create parquet writer %s: %w", path, err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, r := range rows {
		rec := []*string{
			required(r.TableKey),
			optional(r.TableName),
			required(strconv.Itoa(int(r.Position))),
			required(r.Column),
			optional(r.DataType),
			optional(r.Description),
			optional(r.ForeignTable),
			optional(r.ForeignColumn),
			optional(r.EnumValues),
		}
		if err := pw.WriteString(rec); err != nil {
			return errors.Join(fmt.Errorf("write %s.%s: %w", r.TableKey, r.Column, err), pw.WriteStop())
		}
	}
	if err := pw.WriteStop(); err != nil {
		return fmt.Errorf("finish parquet file %s: %w", path, err)
	}
	return nil
}

func required(s string) *string { return &s }

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
