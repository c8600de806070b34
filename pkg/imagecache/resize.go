package imagecache

import (
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"os"
	"strings"

	"golang.org/x/image/draw"
)

// SmallVariant derives the small-image filename for largePath, e.g.
// "ab12.jpg" -> "ab12@140x200.jpg".
func (c *Cache) SmallVariant(largePath string) string {
	base := largePath
	if i := strings.LastIndex(base, "."); i > 0 {
		base = base[:i]
	}
	return fmt.Sprintf("%s@%dx%d.jpg", base, c.smallW, c.smallH)
}

// EnsureSmall makes sure the small variant of largePath exists, resizing the
// large image if needed. Images that cannot be decoded fall back to the
// large path so a bad scan never blocks a game load.
func (c *Cache) EnsureSmall(largePath string) (string, error) {
	smallPath := c.SmallVariant(largePath)
	if _, err := os.Stat(smallPath); err == nil {
		return smallPath, nil
	}

	src, err := decodeImage(largePath)
	if err != nil {
		c.log.Warnf("Failed to decode %s, serving large image: %v", largePath, err)
		return largePath, nil
	}

	c.log.Infof("Resize %s -> %s", largePath, smallPath)
	dst := image.NewRGBA(image.Rect(0, 0, c.smallW, c.smallH))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)

	tmp := smallPath + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %v", tmp, err)
	}
	if err := jpeg.Encode(f, dst, nil); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("failed to encode %s: %v", smallPath, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", err
	}
	if err := os.Rename(tmp, smallPath); err != nil {
		return "", err
	}
	return smallPath, nil
}

func decodeImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	return img, err
}
