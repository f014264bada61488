package storage

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/ycx81/safety-supervisor/pkg/logging"
	"github.com/ycx81/safety-supervisor/pkg/params"
)

// Memory map of the flash image file. Addresses mirror the controller's
// layout; the image file holds the whole range starting at FlashBase.
const (
	FlashBase uint32 = 0x08000000

	BootFlashStart uint32 = 0x08000000
	BootFlashSize  uint32 = 0x0000C000 // 48KB

	ConfigFlashStart uint32 = 0x0800C000
	ConfigFlashSize  uint32 = 0x00004000 // 16KB

	AppFlashStart uint32 = 0x08010000
	AppFlashSize  uint32 = 0x00070000 // 448KB

	// AppCRCOffset is the offset of the stored application CRC within the
	// application region (last 4 bytes).
	AppCRCOffset = AppFlashSize - 4

	// TotalSize is the full image size.
	TotalSize = BootFlashSize + ConfigFlashSize + AppFlashSize
)

var (
	// ErrOutOfRange is returned for accesses outside the flash image.
	ErrOutOfRange = errors.New("storage: address out of flash range")
	// ErrConfigTooLarge is returned when a config write exceeds the
	// sector.
	ErrConfigTooLarge = errors.New("storage: config data exceeds sector size")
)

// FlashStore is the file-backed flash image. It carries the config
// sector shared with the bootloader and the application image whose CRC
// the self-test engine verifies.
type FlashStore struct {
	mu    sync.RWMutex
	path  string
	image []byte
	log   *logging.Logger
}

// Open loads the flash image from path, creating a blank (erased,
// 0xFF-filled) image if the file does not exist.
func Open(path string, log *logging.Logger) (*FlashStore, error) {
	if log == nil {
		log = logging.Nop()
	}
	s := &FlashStore{path: path, log: log}

	data, err := os.ReadFile(path)
	switch {
	case err == nil && len(data) == int(TotalSize):
		s.image = data
	case err == nil:
		return nil, fmt.Errorf("storage: image %s has size %d, want %d", path, len(data), TotalSize)
	case os.IsNotExist(err):
		s.image = make([]byte, TotalSize)
		for i := range s.image {
			s.image[i] = 0xFF
		}
		if err := s.flushLocked(); err != nil {
			return nil, err
		}
		log.Info("Created blank flash image", map[string]interface{}{"path": path})
	default:
		return nil, fmt.Errorf("storage: open image %s: %w", path, err)
	}

	return s, nil
}

// OpenMemory creates an in-memory erased image, used by tests.
func OpenMemory() *FlashStore {
	img := make([]byte, TotalSize)
	for i := range img {
		img[i] = 0xFF
	}
	return &FlashStore{image: img, log: logging.Nop()}
}

func (s *FlashStore) flushLocked() error {
	if s.path == "" {
		return nil
	}
	if err := os.WriteFile(s.path, s.image, 0644); err != nil {
		return fmt.Errorf("storage: flush image: %w", err)
	}
	return nil
}

// Flush persists the image to disk.
func (s *FlashStore) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

// Close flushes the image. The store holds no open handles between
// writes, so closing is a final flush.
func (s *FlashStore) Close() error {
	return s.Flush()
}

// ReadConfig returns a copy of the config flash sector.
func (s *FlashStore) ReadConfig() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	start := ConfigFlashStart - FlashBase
	out := make([]byte, ConfigFlashSize)
	copy(out, s.image[start:start+ConfigFlashSize])
	return out, nil
}

// WriteConfig erases the config sector and programs data at its start.
func (s *FlashStore) WriteConfig(data []byte) error {
	if uint32(len(data)) > ConfigFlashSize {
		return ErrConfigTooLarge
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	start := ConfigFlashStart - FlashBase
	for i := uint32(0); i < ConfigFlashSize; i++ {
		s.image[start+i] = 0xFF
	}
	copy(s.image[start:], data)
	return s.flushLocked()
}

// EraseSector erases the config sector to 0xFF.
func (s *FlashStore) EraseSector() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	start := ConfigFlashStart - FlashBase
	for i := uint32(0); i < ConfigFlashSize; i++ {
		s.image[start+i] = 0xFF
	}
	return s.flushLocked()
}

// ProgramFlash writes data at an absolute flash address.
func (s *FlashStore) ProgramFlash(addr uint32, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if addr < FlashBase || addr+uint32(len(data)) > FlashBase+TotalSize {
		return ErrOutOfRange
	}
	copy(s.image[addr-FlashBase:], data)
	return s.flushLocked()
}

// ReadAt returns a copy of n bytes at an absolute flash address.
func (s *FlashStore) ReadAt(addr, n uint32) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if addr < FlashBase || addr+n > FlashBase+TotalSize {
		return nil, ErrOutOfRange
	}
	out := make([]byte, n)
	copy(out, s.image[addr-FlashBase:])
	return out, nil
}

// AppImage returns a copy of the application region, including the
// trailing stored CRC word.
func (s *FlashStore) AppImage() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	start := AppFlashStart - FlashBase
	out := make([]byte, AppFlashSize)
	copy(out, s.image[start:start+AppFlashSize])
	return out
}

// StoredAppCRC returns the application CRC stored in the last 4 bytes of
// the application region.
func (s *FlashStore) StoredAppCRC() uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	off := AppFlashStart - FlashBase + AppCRCOffset
	return uint32(s.image[off]) | uint32(s.image[off+1])<<8 |
		uint32(s.image[off+2])<<16 | uint32(s.image[off+3])<<24
}

// SealApp computes the CRC over the application region (excluding the
// CRC word) and stores it in the trailing word. The bootloader performs
// the same computation when flashing an image.
func (s *FlashStore) SealApp() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	start := AppFlashStart - FlashBase
	crc := params.CRC32(s.image[start : start+AppCRCOffset])
	off := start + AppCRCOffset
	s.image[off] = byte(crc)
	s.image[off+1] = byte(crc >> 8)
	s.image[off+2] = byte(crc >> 16)
	s.image[off+3] = byte(crc >> 24)
	return s.flushLocked()
}
