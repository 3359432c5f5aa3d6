package clearing

import (
	"errors"

	nativecommon "github.com/publu/spacecommand/native/common"
)

// Authorization errors.
var (
	ErrVaultNotAuthorized = errors.New("clearing: vault not authorized")
	ErrNotOwner           = errors.New("clearing: caller is not the owner")
	ErrModulePaused       = nativecommon.ErrModulePaused
)

// Validation errors.
var (
	ErrAlreadyRegistered      = errors.New("clearing: vault already registered")
	ErrReferenceAssetMismatch = errors.New("clearing: vault reference asset differs from pool")
	ErrBelowMinimum           = errors.New("clearing: amount below minimum deposit")
	ErrBelowMinimumPurchase   = errors.New("clearing: amount below minimum purchase")
	ErrZeroAmount             = errors.New("clearing: amount must be positive")
	ErrZeroShares             = errors.New("clearing: deposit too small to mint shares")
	ErrInsufficientShares     = errors.New("clearing: insufficient shares")
	ErrInsufficientBalance    = errors.New("clearing: insufficient pool balance")
	ErrInsufficientLiquidity  = errors.New("clearing: insufficient free liquidity")
	ErrExceedsPending         = errors.New("clearing: amount exceeds pending earnings")
	ErrInvalidBps             = errors.New("clearing: basis points out of range")
	ErrInvalidGainRatio       = errors.New("clearing: gain ratio must exceed base unit")
	ErrInvalidPrice           = errors.New("clearing: oracle price must be positive")
	ErrInvalidNormalization   = errors.New("clearing: normalization factor must be positive")
	ErrEmptyBatch             = errors.New("clearing: no positions supplied")
	ErrNoCollateralAvailable  = errors.New("clearing: no collateral available")
	ErrAmountOverflow         = errors.New("clearing: amount exceeds 256 bits")
	ErrNegativeAmount         = errors.New("clearing: amount must not be negative")
	ErrNoParams               = errors.New("clearing: no parameters supplied")
)

// Timing errors.
var (
	ErrNoRequest      = errors.New("clearing: no withdrawal request")
	ErrNotReady       = errors.New("clearing: withdrawal not ready")
	ErrRequestExpired = errors.New("clearing: withdrawal request expired")
)

// State errors.
var (
	ErrEmptyRegistry   = errors.New("clearing: no vaults registered")
	ErrDivideByZero    = errors.New("clearing: share supply is zero")
	ErrNoLiquidity     = errors.New("clearing: swap venue has no liquidity")
	ErrNoSwapVenue     = errors.New("clearing: swap venue not configured")
	ErrReentrantCall   = nativecommon.ErrReentrantCall
	errNilState        = errors.New("clearing: state not configured")
	errNilResolver     = errors.New("clearing: resolver not configured")
	errPoolNotSet      = errors.New("clearing: pool account not configured")
	errReferenceNotSet = errors.New("clearing: reference asset not fixed")
)
