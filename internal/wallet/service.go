package wallet

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/klingon-exchange/swapd/internal/chain"
)

// ErrWalletLocked is returned when the wallet has not been loaded.
var ErrWalletLocked = errors.New("wallet not loaded")

const seedFile = "wallet.seed"

// Service manages the wallet lifecycle: creating, unlocking and locking the
// encrypted seed in the data directory.
type Service struct {
	wallet  *Wallet
	dataDir string
	network chain.Network

	mu sync.RWMutex
}

// ServiceConfig holds configuration for the wallet service.
type ServiceConfig struct {
	DataDir string
	Network chain.Network
}

// NewService creates a new wallet service.
func NewService(cfg *ServiceConfig) *Service {
	if cfg == nil {
		cfg = &ServiceConfig{}
	}
	network := cfg.Network
	if network == "" {
		network = chain.Mainnet
	}
	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = "."
	}
	return &Service{dataDir: dataDir, network: network}
}

func (s *Service) seedPath() string {
	return filepath.Join(s.dataDir, seedFile)
}

// CreateWallet stores an encrypted mnemonic and unlocks the wallet.
func (s *Service) CreateWallet(mnemonic, passphrase, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, err := NewFromMnemonic(mnemonic, passphrase, s.network)
	if err != nil {
		return fmt.Errorf("failed to create wallet: %w", err)
	}
	encrypted, err := EncryptMnemonic(mnemonic, password)
	if err != nil {
		return fmt.Errorf("failed to encrypt seed: %w", err)
	}
	if err := SaveEncryptedSeed(encrypted, s.seedPath()); err != nil {
		return fmt.Errorf("failed to save seed: %w", err)
	}

	s.wallet = w
	return nil
}

// LoadWallet decrypts the stored seed and unlocks the wallet.
func (s *Service) LoadWallet(password, passphrase string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	encrypted, err := LoadEncryptedSeed(s.seedPath())
	if err != nil {
		return fmt.Errorf("failed to load encrypted seed: %w", err)
	}
	mnemonic, err := DecryptMnemonic(encrypted, password)
	if err != nil {
		return fmt.Errorf("failed to decrypt seed: %w", err)
	}

	w, err := NewFromMnemonic(mnemonic, passphrase, s.network)
	if err != nil {
		return fmt.Errorf("failed to create wallet: %w", err)
	}
	s.wallet = w
	return nil
}

// HasWallet reports whether a seed file exists.
func (s *Service) HasWallet() bool {
	_, err := os.Stat(s.seedPath())
	return err == nil
}

// IsUnlocked reports whether the wallet is loaded.
func (s *Service) IsUnlocked() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.wallet != nil
}

// Lock drops the wallet from memory.
func (s *Service) Lock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wallet != nil {
		s.wallet.ClearCache()
		s.wallet = nil
	}
}

// Network returns the wallet network.
func (s *Service) Network() chain.Network {
	return s.network
}

// Wallet returns the unlocked wallet.
func (s *Service) Wallet() (*Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.wallet == nil {
		return nil, ErrWalletLocked
	}
	return s.wallet, nil
}
