// Package worklist turns a tabular UK Biobank extract into the ordered list of
// subjects to process and the bulk fields each of them has.
//
// Parquet extracts are read through apache arrow; CSV and TSV exports are read
// with encoding/csv. Rows without the mandatory T1 structural column are never
// admitted.
package worklist
