package tableflow

import (
	"bufio"

	"github.com/codenohup/tableflow/internal/pkg/flowfs"
)

// inputSplit describes a contiguous byte range of one input file,
// processed by a single partition task
type inputSplit struct {
	Filename    string
	StartOffset int64
	EndOffset   int64 // exclusive
}

// Size returns the number of bytes covered by the split
func (s inputSplit) Size() int64 {
	return s.EndOffset - s.StartOffset
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// splitInputFile cuts a file into splits of at most maxSplitSize bytes
func splitInputFile(file flowfs.FileInfo, maxSplitSize int64) []inputSplit {
	splits := make([]inputSplit, 0)
	for offset := int64(0); offset < file.Size; offset += maxSplitSize {
		splits = append(splits, inputSplit{
			Filename:    file.Name,
			StartOffset: offset,
			EndOffset:   min64(offset+maxSplitSize, file.Size),
		})
	}

	if file.Size == 0 {
		splits = append(splits, inputSplit{
			Filename:    file.Name,
			StartOffset: 0,
			EndOffset:   0,
		})
	}

	return splits
}

// packInputSplits greedily packs splits into bins of at most binSize
// bytes. Each bin becomes one partition task.
func packInputSplits(splits []inputSplit, binSize int64) [][]inputSplit {
	bins := make([][]inputSplit, 0)

	currentBin := make([]inputSplit, 0)
	var currentBinSize int64
	for _, split := range splits {
		if currentBinSize+split.Size() > binSize && len(currentBin) > 0 {
			bins = append(bins, currentBin)
			currentBin = make([]inputSplit, 0)
			currentBinSize = 0
		}
		currentBin = append(currentBin, split)
		currentBinSize += split.Size()
	}

	if len(currentBin) > 0 {
		bins = append(bins, currentBin)
	}
	return bins
}

// countingSplitFunc wraps a bufio.SplitFunc so that the number of bytes
// advanced is accumulated into counter
func countingSplitFunc(split bufio.SplitFunc, counter *int64) bufio.SplitFunc {
	return func(data []byte, atEOF bool) (int, []byte, error) {
		advance, token, err := split(data, atEOF)
		*counter += int64(advance)
		return advance, token, err
	}
}
