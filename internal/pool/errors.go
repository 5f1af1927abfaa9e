package pool

import (
	"errors"
	"net/http"

	"github.com/atmx/optionpool/internal/access"
	"github.com/atmx/optionpool/internal/collateral"
	"github.com/atmx/optionpool/internal/epoch"
	"github.com/atmx/optionpool/internal/exposure"
	"github.com/atmx/optionpool/internal/fixed"
	"github.com/atmx/optionpool/internal/limits"
	"github.com/atmx/optionpool/internal/pricer"
	"github.com/atmx/optionpool/internal/series"
	"github.com/atmx/optionpool/internal/token"
	"github.com/atmx/optionpool/internal/trade"
)

var (
	// ErrUnsettledPosition is returned when pruning an expired series the
	// pool still holds options in.
	ErrUnsettledPosition = errors.New("pool: expired series still holds a position")

	// ErrMigrateToSelf is returned when a pool is migrated onto itself.
	ErrMigrateToSelf = errors.New("pool: migration target is the source pool")
)

// Class groups errors by what the caller can do about them.
type Class string

const (
	// AccessControl: the caller lacks the required role.
	AccessControl Class = "access_control"
	// StatePrecondition: the operation is not valid in the current state.
	StatePrecondition Class = "state_precondition"
	// BoundsRisk: a balance, cap or risk limit would be breached.
	BoundsRisk Class = "bounds_risk"
	// Arithmetic: an amount or numeric input is invalid.
	Arithmetic Class = "arithmetic"
	// Internal: anything else, including collaborator failures.
	Internal Class = "internal"
)

var classes = []struct {
	class Class
	errs  []error
}{
	{AccessControl, []error{
		access.ErrUnauthorized,
		access.ErrUnknownRole,
	}},
	{StatePrecondition, []error{
		epoch.ErrTradingPaused,
		epoch.ErrTradingNotPaused,
		epoch.ErrSnapshotNotFulfilled,
		epoch.ErrStaleSnapshot,
		epoch.ErrNoWithdrawal,
		epoch.ErrEpochNotSettled,
		exposure.ErrOptionHasExpiredInStores,
		exposure.ErrSeriesNotExpired,
		exposure.ErrIncorrectSeriesToRemove,
		exposure.ErrSeriesIDMismatch,
		exposure.ErrUnknownSeriesID,
		exposure.ErrNoShortExposure,
		exposure.ErrNoExternalPosition,
		exposure.ErrLiquidationNotRecognised,
		exposure.ErrMigrationTargetNotEmpty,
		pricer.ErrOptionExpired,
		pricer.ErrOrderExpired,
		pricer.ErrSpotMovedBeyondRange,
		trade.ErrStaleQuote,
		collateral.ErrNoVault,
		collateral.ErrNotExpired,
		collateral.ErrSeriesMismatch,
		series.ErrInvalidTicker,
		series.ErrInvalidStrike,
		series.ErrInvalidExpiry,
		ErrUnsettledPosition,
		ErrMigrateToSelf,
	}},
	{BoundsRisk, []error{
		limits.ErrMaxNetExposureExceeded,
		limits.ErrMaxExpiryExposureExceeded,
		epoch.ErrCollateralCapReached,
		epoch.ErrInsufficientFreeReserve,
		epoch.ErrLiabilitiesExceedAssets,
		epoch.ErrInsufficientShares,
		token.ErrInsufficientBalance,
		collateral.ErrExceedsShort,
	}},
	{Arithmetic, []error{
		exposure.ErrNegativeExposure,
		epoch.ErrInvalidAmount,
		token.ErrInvalidAmount,
		pricer.ErrInvalidPrice,
		trade.ErrInvalidOrder,
		trade.ErrSeriesIDRequired,
		fixed.ErrDivisionByZero,
		fixed.ErrUnderflow,
		fixed.ErrInvalidNumber,
	}},
}

// Classify maps err to its class. nil maps to "".
func Classify(err error) Class {
	if err == nil {
		return ""
	}
	for _, c := range classes {
		for _, target := range c.errs {
			if errors.Is(err, target) {
				return c.class
			}
		}
	}
	return Internal
}

// HTTPStatus returns the response status for errors of class c.
func (c Class) HTTPStatus() int {
	switch c {
	case AccessControl:
		return http.StatusForbidden
	case StatePrecondition:
		return http.StatusConflict
	case BoundsRisk:
		return http.StatusUnprocessableEntity
	case Arithmetic:
		return http.StatusBadRequest
	case "":
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}
