// Package batch - Report and bundle artifact generation.
package batch

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/xuri/excelize/v2"

	"github.com/orchardvision/go-detect/cache"
)

const (
	gridSheet    = "Grid"
	detailsSheet = "Details"
)

// writeReport renders the batch outcome as an xlsx workbook: the Grid sheet
// mirrors the sampling grid with one worksheet row per grid row, and the
// Details sheet carries one row per image in input order.
func writeReport(path string, req Request, preds []*cache.Prediction, res *Result) error {
	f := excelize.NewFile()
	defer f.Close()

	f.SetSheetName("Sheet1", gridSheet)
	if _, err := f.NewSheet(detailsSheet); err != nil {
		return err
	}

	// Grid sheet: column headers C1..Cn, one row per grid row, then totals.
	for c := 0; c < req.Cols; c++ {
		cell, err := excelize.CoordinatesToCellName(c+2, 1)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(gridSheet, cell, fmt.Sprintf("C%d", c+1)); err != nil {
			return err
		}
	}
	for r := 0; r < req.Rows; r++ {
		label, err := excelize.CoordinatesToCellName(1, r+2)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(gridSheet, label, fmt.Sprintf("R%d", r+1)); err != nil {
			return err
		}
		for c := 0; c < req.Cols; c++ {
			cell, err := excelize.CoordinatesToCellName(c+2, r+2)
			if err != nil {
				return err
			}
			if err := f.SetCellValue(gridSheet, cell, res.Counts[r][c]); err != nil {
				return err
			}
		}
	}
	summaryRow := req.Rows + 3
	for col, v := range []interface{}{"Total detected", res.TotalDetected} {
		cell, err := excelize.CoordinatesToCellName(col+1, summaryRow)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(gridSheet, cell, v); err != nil {
			return err
		}
	}
	for col, v := range []interface{}{"Total weight (kg)", res.TotalWeightKg} {
		cell, err := excelize.CoordinatesToCellName(col+1, summaryRow+1)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(gridSheet, cell, v); err != nil {
			return err
		}
	}

	// Details sheet: per-image rows.
	headers := []string{"Row", "Col", "Image", "Detected", "Confidence", "Weight (kg)"}
	for col, h := range headers {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(detailsSheet, cell, h); err != nil {
			return err
		}
	}
	for i, pred := range preds {
		row := i + 2
		values := []interface{}{
			i/req.Cols + 1,
			i%req.Cols + 1,
			req.Images[i].Name,
			pred.DetectedCount,
			pred.ConfidenceScore,
			pred.WeightKg,
		}
		for col, v := range values {
			cell, err := excelize.CoordinatesToCellName(col+1, row)
			if err != nil {
				return err
			}
			if err := f.SetCellValue(detailsSheet, cell, v); err != nil {
				return err
			}
		}
	}

	return f.SaveAs(path)
}

// writeBundle zips the report and every annotated image into one archive.
// Entry names are flat: the report keeps its base name, annotated images are
// prefixed with their grid index to stay unique.
func writeBundle(path, reportPath string, req Request, preds []*cache.Prediction) error {
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	zw := zip.NewWriter(out)

	addFile := func(src, name string) error {
		in, err := os.Open(src)
		if err != nil {
			return err
		}
		defer in.Close()

		w, err := zw.Create(name)
		if err != nil {
			return err
		}
		_, err = io.Copy(w, in)
		return err
	}

	bundleErr := addFile(reportPath, filepath.Base(reportPath))
	if bundleErr == nil {
		for i, pred := range preds {
			if pred.AnnotatedImagePath == "" {
				continue
			}
			name := fmt.Sprintf("%03d_%s", i+1, filepath.Base(pred.AnnotatedImagePath))
			if err := addFile(pred.AnnotatedImagePath, name); err != nil {
				bundleErr = errors.Wrapf(err, "bundling %s", req.Images[i].Name)
				break
			}
		}
	}

	if err := zw.Close(); err != nil && bundleErr == nil {
		bundleErr = err
	}
	if err := out.Close(); err != nil && bundleErr == nil {
		bundleErr = err
	}
	return bundleErr
}
