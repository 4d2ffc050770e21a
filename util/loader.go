package util

import (
	"image"
	_ "image/jpeg" // register decoders for frame replay
	_ "image/png"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// FrameFile represents one decoded frame read from disk.
type FrameFile struct {
	// Path is the path to the image file.
	Path string
	// Image is the decoded frame.
	Image image.Image
	// Frame is the frame number parsed from the "frame-N" file name.
	Frame int
}

// LoadFrameDirectory reads and decodes every "frame-N.{jpg,jpeg,png}" file in
// dir, ordered by frame number. It is a replay stand-in for a camera.
//
// Arguments:
// - dir: Directory path containing frame files.
//
// Returns:
// - []FrameFile: The decoded frames in order.
// - error: Error if reading or decoding fails.
func LoadFrameDirectory(dir string) ([]FrameFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "read frame directory %s", dir)
	}

	var frames []FrameFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		ext := strings.ToLower(filepath.Ext(entry.Name()))
		switch ext {
		case ".jpg", ".jpeg", ".png":
		default:
			continue
		}

		n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(entry.Name(), "frame-"), filepath.Ext(entry.Name())))
		if err != nil {
			return nil, errors.Wrapf(err, "parse frame number from %s", entry.Name())
		}

		path := filepath.Join(dir, entry.Name())
		img, err := decodeFile(path)
		if err != nil {
			return nil, err
		}
		frames = append(frames, FrameFile{Path: path, Image: img, Frame: n})
	}

	sort.Slice(frames, func(i, j int) bool {
		return frames[i].Frame < frames[j].Frame
	})

	return frames, nil
}

func decodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s", path)
	}
	return img, nil
}
