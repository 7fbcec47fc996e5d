package data

import (
	"encoding/csv"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ModalityCSV names one modality's feature CSV. The file has a header row
// and one data row per cell, aligned with the annotation CSV. A column named
// "present" (0/1) marks whether the cell was measured in this modality;
// every other column is a feature, in header order. Without a "present"
// column all cells count as measured.
type ModalityCSV struct {
	Name string
	Path string
}

// LoadCSV assembles a CellTable from CSV files: an annotation file with
// columns "sample" and "batch" (one row per cell, header required), plus one
// feature file per modality. Row i of every file describes the same cell.
func LoadCSV(obsPath string, modalities []ModalityCSV) (*CellTable, error) {
	sampleIDs, batchIDs, err := readObs(obsPath)
	if err != nil {
		return nil, err
	}

	mods := make([]Modality, len(modalities))
	for i, mc := range modalities {
		mod, err := readModality(mc, len(sampleIDs))
		if err != nil {
			return nil, err
		}
		mods[i] = mod
	}
	return NewCellTable(mods, sampleIDs, batchIDs)
}

func readObs(path string) ([]string, []int, error) {
	rows, header, err := readCSV(path)
	if err != nil {
		return nil, nil, err
	}
	sampleCol, ok := header["sample"]
	if !ok {
		return nil, nil, errors.Errorf("%s: required column %q not found", path, "sample")
	}
	batchCol, ok := header["batch"]
	if !ok {
		return nil, nil, errors.Errorf("%s: required column %q not found", path, "batch")
	}

	sampleIDs := make([]string, len(rows))
	batchIDs := make([]int, len(rows))
	for i, row := range rows {
		sampleIDs[i] = strings.TrimSpace(row[sampleCol])
		b, err := strconv.Atoi(strings.TrimSpace(row[batchCol]))
		if err != nil {
			return nil, nil, errors.Wrapf(err, "%s row %d: parsing batch", path, i+1)
		}
		batchIDs[i] = b
	}
	return sampleIDs, batchIDs, nil
}

func readModality(mc ModalityCSV, numCells int) (Modality, error) {
	rows, header, err := readCSV(mc.Path)
	if err != nil {
		return Modality{}, err
	}
	if len(rows) != numCells {
		return Modality{}, errors.Wrapf(ErrShape,
			"%s has %d rows, annotation file has %d cells", mc.Path, len(rows), numCells)
	}

	presentCol := -1
	if c, ok := header["present"]; ok {
		presentCol = c
	}
	featureCols := make([]int, 0, len(header))
	for c := 0; c < len(header); c++ {
		if c != presentCol {
			featureCols = append(featureCols, c)
		}
	}
	if len(featureCols) == 0 {
		return Modality{}, errors.Wrapf(ErrShape, "%s has no feature columns", mc.Path)
	}

	mod := Modality{
		Name:   mc.Name,
		Dim:    len(featureCols),
		Values: make([]float32, numCells*len(featureCols)),
	}
	if presentCol >= 0 {
		mod.Present = make([]bool, numCells)
	}
	for i, row := range rows {
		for j, c := range featureCols {
			v, err := strconv.ParseFloat(strings.TrimSpace(row[c]), 32)
			if err != nil {
				return Modality{}, errors.Wrapf(err, "%s row %d col %d: parsing feature", mc.Path, i+1, c)
			}
			mod.Values[i*mod.Dim+j] = float32(v)
		}
		if presentCol >= 0 {
			p := strings.TrimSpace(row[presentCol])
			mod.Present[i] = p == "1" || strings.EqualFold(p, "true")
		}
	}
	return mod, nil
}

// readCSV reads a whole CSV into memory and returns its data rows plus a
// lowercased header-name -> column-index map. Cell tables are in-core
// anyway, so there is nothing to gain from streaming here.
func readCSV(path string) ([][]string, map[string]int, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "opening %s", path)
	}
	defer file.Close()

	records, err := csv.NewReader(file).ReadAll()
	if err != nil {
		return nil, nil, errors.Wrapf(err, "reading %s", path)
	}
	if len(records) < 2 {
		return nil, nil, errors.Wrapf(ErrShape, "%s has no data rows", path)
	}
	header := make(map[string]int, len(records[0]))
	for i, col := range records[0] {
		header[strings.TrimSpace(strings.ToLower(col))] = i
	}
	return records[1:], header, nil
}
