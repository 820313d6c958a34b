package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSubscriptions struct {
	newFn    func(params *stripe.SubscriptionParams) (*stripe.Subscription, error)
	getFn    func(id string) (*stripe.Subscription, error)
	updateFn func(id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error)
}

func (f *fakeSubscriptions) New(params *stripe.SubscriptionParams) (*stripe.Subscription, error) {
	return f.newFn(params)
}

func (f *fakeSubscriptions) Get(id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error) {
	return f.getFn(id)
}

func (f *fakeSubscriptions) Update(id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error) {
	return f.updateFn(id, params)
}

type fixedUnits int

func (u fixedUnits) CountActiveBillableUnits(ctx context.Context, orgID int64) (int, error) {
	return int(u), nil
}

func newTestProcessor(subs subscriptionAPI) *StripeProcessor {
	return &StripeProcessor{
		subs:    subs,
		units:   fixedUnits(12),
		priceID: "price_unit",
	}
}

var testRunDate = time.Date(2024, 3, 14, 0, 0, 0, 0, time.UTC)

func TestStripeProcessor_UpdateSubscriptionQuantity(t *testing.T) {
	var updated *stripe.SubscriptionParams
	subs := &fakeSubscriptions{
		getFn: func(id string) (*stripe.Subscription, error) {
			assert.Equal(t, "sub_1", id)
			return &stripe.Subscription{
				ID: "sub_1",
				Items: &stripe.SubscriptionItemList{Data: []*stripe.SubscriptionItem{
					{ID: "si_other", Price: &stripe.Price{ID: "price_addon"}},
					{ID: "si_unit", Price: &stripe.Price{ID: "price_unit"}},
				}},
			}, nil
		},
		updateFn: func(id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error) {
			updated = params
			return &stripe.Subscription{ID: id}, nil
		},
	}
	p := newTestProcessor(subs)

	err := p.UpdateSubscriptionQuantity(context.Background(), &PlatformBilling{OrgID: 1, StripeSubscriptionID: "sub_1"}, 40)
	require.NoError(t, err)
	require.NotNil(t, updated)
	require.Len(t, updated.Items, 1)
	assert.Equal(t, "si_unit", *updated.Items[0].ID)
	assert.Equal(t, int64(40), *updated.Items[0].Quantity)
}

func TestStripeProcessor_UpdateWithoutItems(t *testing.T) {
	subs := &fakeSubscriptions{
		getFn: func(id string) (*stripe.Subscription, error) { return &stripe.Subscription{ID: id}, nil },
	}
	err := newTestProcessor(subs).UpdateSubscriptionQuantity(context.Background(), &PlatformBilling{StripeSubscriptionID: "sub_1"}, 3)
	assert.Error(t, err)
}

func TestStripeProcessor_CreateSubscription(t *testing.T) {
	var created *stripe.SubscriptionParams
	subs := &fakeSubscriptions{
		newFn: func(params *stripe.SubscriptionParams) (*stripe.Subscription, error) {
			created = params
			return &stripe.Subscription{
				ID:            "sub_new",
				LatestInvoice: &stripe.Invoice{Status: stripe.InvoiceStatusPaid, AmountPaid: 3750},
			}, nil
		},
	}
	p := newTestProcessor(subs)

	sub, err := p.CreateSubscription(context.Background(), &PlatformBilling{
		OrgID:                  7,
		StripeCustomerID:       "cus_7",
		DefaultPaymentMethodID: "pm_7",
	}, 25, testRunDate)
	require.NoError(t, err)
	assert.Equal(t, "sub_new", sub.ID)
	assert.True(t, sub.Collected)
	assert.Equal(t, int64(3750), sub.AmountP)
	require.Len(t, created.Expand, 1)
	assert.Equal(t, "latest_invoice", *created.Expand[0])
	assert.Equal(t, "cus_7", *created.Customer)
	assert.Equal(t, "pm_7", *created.DefaultPaymentMethod)
	assert.Equal(t, "price_unit", *created.Items[0].Price)
	assert.Equal(t, int64(25), *created.Items[0].Quantity)
	assert.Equal(t, "7", created.Metadata["org_id"])
	require.NotNil(t, created.IdempotencyKey)
	assert.Equal(t, "classbook-sub-7-2024-03-14", *created.IdempotencyKey)
}

func TestStripeProcessor_CreateWithoutPaidInvoiceCollectsNothing(t *testing.T) {
	for name, inv := range map[string]*stripe.Invoice{
		"no invoice":   nil,
		"open invoice": {Status: stripe.InvoiceStatusOpen, AmountDue: 3750},
		"trial":        {Status: stripe.InvoiceStatusPaid, AmountPaid: 0},
	} {
		t.Run(name, func(t *testing.T) {
			subs := &fakeSubscriptions{
				newFn: func(params *stripe.SubscriptionParams) (*stripe.Subscription, error) {
					return &stripe.Subscription{ID: "sub_new", LatestInvoice: inv}, nil
				},
			}
			sub, err := newTestProcessor(subs).CreateSubscription(context.Background(), &PlatformBilling{OrgID: 7, StripeCustomerID: "cus_7"}, 1, testRunDate)
			require.NoError(t, err)
			assert.Equal(t, "sub_new", sub.ID)
			assert.False(t, sub.Collected)
		})
	}
}

func TestStripeProcessor_IdempotencyKeyUsesRunDate(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	var keys []string
	subs := &fakeSubscriptions{
		newFn: func(params *stripe.SubscriptionParams) (*stripe.Subscription, error) {
			keys = append(keys, *params.IdempotencyKey)
			return &stripe.Subscription{ID: "sub_new"}, nil
		},
	}
	p := newTestProcessor(subs)
	pb := &PlatformBilling{OrgID: 7, StripeCustomerID: "cus_7"}

	// Retries of one New York run share a key even though midnight there is 04:00 UTC
	runDate := time.Date(2024, 3, 14, 0, 0, 0, 0, ny)
	for i := 0; i < 2; i++ {
		_, err := p.CreateSubscription(context.Background(), pb, 1, runDate)
		require.NoError(t, err)
	}
	require.Len(t, keys, 2)
	assert.Equal(t, "classbook-sub-7-2024-03-14", keys[0])
	assert.Equal(t, keys[0], keys[1])
}

func TestStripeProcessor_CreateRequiresCustomer(t *testing.T) {
	_, err := newTestProcessor(&fakeSubscriptions{}).CreateSubscription(context.Background(), &PlatformBilling{OrgID: 7}, 1, testRunDate)
	assert.Error(t, err)
}

func TestStripeProcessor_CardErrorIsDecline(t *testing.T) {
	subs := &fakeSubscriptions{
		newFn: func(params *stripe.SubscriptionParams) (*stripe.Subscription, error) {
			return nil, &stripe.Error{
				Type:        stripe.ErrorTypeCard,
				DeclineCode: "insufficient_funds",
				Msg:         "Your card has insufficient funds.",
			}
		},
	}

	_, err := newTestProcessor(subs).CreateSubscription(context.Background(), &PlatformBilling{OrgID: 7, StripeCustomerID: "cus_7"}, 1, testRunDate)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPaymentDeclined)

	var decline *DeclineError
	require.True(t, errors.As(err, &decline))
	assert.Equal(t, "insufficient_funds", decline.Code)
}

func TestStripeProcessor_OtherErrorsAreWrapped(t *testing.T) {
	subs := &fakeSubscriptions{
		getFn: func(id string) (*stripe.Subscription, error) {
			return nil, &stripe.Error{Type: stripe.ErrorTypeAPI, Msg: "upstream"}
		},
	}

	err := newTestProcessor(subs).UpdateSubscriptionQuantity(context.Background(), &PlatformBilling{StripeSubscriptionID: "sub_1"}, 1)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrPaymentDeclined))
	assert.Contains(t, err.Error(), "failed to get subscription")
}

func TestStripeProcessor_CountDelegates(t *testing.T) {
	units, err := newTestProcessor(&fakeSubscriptions{}).CountActiveBillableUnits(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 12, units)
}
