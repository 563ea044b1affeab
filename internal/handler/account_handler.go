package handler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	accterrors "github.com/devrev/pairdb/account-server/internal/errors"
	"github.com/devrev/pairdb/account-server/internal/metrics"
	"github.com/devrev/pairdb/account-server/internal/model"
	"github.com/devrev/pairdb/account-server/internal/replicator"
	"github.com/devrev/pairdb/account-server/internal/service"
	"github.com/devrev/pairdb/account-server/internal/storage/broker"
	"github.com/devrev/pairdb/account-server/internal/storage/diskmanager"
	"github.com/devrev/pairdb/account-server/internal/validation"
)

// maxReplicateBody bounds a REPLICATE request body
const maxReplicateBody = 64 << 20

// AccountHandler implements one method per account server verb
type AccountHandler struct {
	service     *service.AccountService
	rpc         *replicator.RPC
	diskManager *diskmanager.DiskManager
	validator   *validation.Validator
	metrics     *metrics.Metrics
	logger      *zap.Logger
}

// NewAccountHandler creates a new account handler. m may be nil.
func NewAccountHandler(
	svc *service.AccountService,
	rpc *replicator.RPC,
	diskMgr *diskmanager.DiskManager,
	validator *validation.Validator,
	m *metrics.Metrics,
	logger *zap.Logger,
) *AccountHandler {
	return &AccountHandler{
		service:     svc,
		rpc:         rpc,
		diskManager: diskMgr,
		validator:   validator,
		metrics:     m,
		logger:      logger,
	}
}

// splitTarget parses /device/partition/account[/container] and validates
// the device and partition
func splitTarget(r *http.Request, minSegs, maxSegs int) (service.Target, string, error) {
	segs, err := validation.SplitPath(r.URL.Path, minSegs, maxSegs)
	if err != nil {
		return service.Target{}, "", err
	}
	if err := validation.ValidateDevicePartition(segs[0], segs[1]); err != nil {
		return service.Target{}, "", err
	}
	t := service.Target{Device: segs[0], Partition: segs[1], Account: segs[2]}
	if len(segs) > 3 {
		return t, segs[3], nil
	}
	return t, "", nil
}

// unmounted returns a 507 response when device is not usable
func (h *AccountHandler) unmounted(device string) *Response {
	if h.diskManager == nil || h.diskManager.CheckMount(device) {
		return nil
	}
	if h.metrics != nil {
		h.metrics.ObserveUnmounted(device)
	}
	return errorResponse(accterrors.DeviceUnmounted(device))
}

// deletedResponse answers for a missing or deleted account, flagging the
// ones that exist with a DELETED status
func (h *AccountHandler) deletedResponse(ctx context.Context, t service.Target, status int, body string) *Response {
	var resp *Response
	if body != "" {
		resp = textResponse(status, body)
	} else {
		resp = newResponse(status)
		resp.Header.Set("Content-Type", textPlain)
	}
	if h.service.DeletedStatus(ctx, t) {
		resp.Header.Set(AccountStatusHeader, "Deleted")
	}
	return resp
}

// Delete handles DELETE /device/partition/account
func (h *AccountHandler) Delete(r *http.Request) (*Response, error) {
	t, _, err := splitTarget(r, 3, 3)
	if err != nil {
		return badRequest(err), nil
	}
	if resp := h.unmounted(t.Device); resp != nil {
		return resp, nil
	}
	ts, err := validation.ParseTimestampHeader(r.Header.Get("X-Timestamp"))
	if err != nil {
		return badRequest(err), nil
	}

	outcome, err := h.service.Delete(r.Context(), t, ts)
	if err != nil {
		return nil, err
	}
	if outcome == service.AlreadyDeleted {
		return h.deletedResponse(r.Context(), t, http.StatusNotFound, ""), nil
	}
	return h.deletedResponse(r.Context(), t, http.StatusNoContent, ""), nil
}

// Put handles PUT /device/partition/account and
// PUT /device/partition/account/container
func (h *AccountHandler) Put(r *http.Request) (*Response, error) {
	t, container, err := splitTarget(r, 3, 4)
	if err != nil {
		return badRequest(err), nil
	}
	if resp := h.unmounted(t.Device); resp != nil {
		return resp, nil
	}
	if container != "" {
		return h.putContainer(r, t, container)
	}
	return h.putAccount(r, t)
}

func (h *AccountHandler) putAccount(r *http.Request, t service.Target) (*Response, error) {
	ts, err := validation.ParseTimestampHeader(r.Header.Get("X-Timestamp"))
	if err != nil {
		return badRequest(err), nil
	}

	meta := model.MetadataFromHeaders(r.Header, ts)
	outcome, err := h.service.CreateOrUpdate(r.Context(), t, ts, meta)
	if err != nil {
		return nil, err
	}

	switch outcome {
	case service.PutCreated:
		return newResponse(http.StatusCreated), nil
	case service.PutRecentlyDeleted:
		return h.deletedResponse(r.Context(), t, http.StatusForbidden,
			accterrors.RecentlyDeleted(t.Account).Body()), nil
	case service.PutConflict:
		return errorResponse(accterrors.Conflict(t.Account)), nil
	default:
		return newResponse(http.StatusAccepted), nil
	}
}

func (h *AccountHandler) putContainer(r *http.Request, t service.Target, container string) (*Response, error) {
	if err := h.validator.ValidateContainerName(container); err != nil {
		return badRequest(err), nil
	}
	update, err := parseContainerUpdate(r.Header)
	if err != nil {
		return badRequest(err), nil
	}
	update.Name = container

	outcome, err := h.service.PutContainer(r.Context(), t, update)
	if err != nil {
		return nil, err
	}

	switch outcome {
	case service.ContainerAccountNotFound:
		return newResponse(http.StatusNotFound), nil
	case service.ContainerNoContent:
		return newResponse(http.StatusNoContent), nil
	default:
		return newResponse(http.StatusCreated), nil
	}
}

// parseContainerUpdate reads the headers a container server sends with an
// account update
func parseContainerUpdate(h http.Header) (service.ContainerUpdate, error) {
	var u service.ContainerUpdate
	var err error

	if u.PutTimestamp, err = timestampHeader(h, "X-Put-Timestamp"); err != nil {
		return u, err
	}
	if u.DeleteTimestamp, err = timestampHeader(h, "X-Delete-Timestamp"); err != nil {
		return u, err
	}
	if u.ObjectCount, err = counterHeader(h, "X-Object-Count"); err != nil {
		return u, err
	}
	if u.BytesUsed, err = counterHeader(h, "X-Bytes-Used"); err != nil {
		return u, err
	}

	if raw := h.Get("X-Timestamp"); raw != "" {
		if u.Timestamp, err = model.ParseTimestamp(raw); err != nil {
			return u, accterrors.MissingTimestamp(raw)
		}
	}
	u.OverrideDeleted = strings.EqualFold(h.Get("X-Account-Override-Deleted"), "yes")
	u.Forwarded = h.Get("X-Trans-Id") != ""
	return u, nil
}

func timestampHeader(h http.Header, name string) (model.Timestamp, error) {
	raw := h.Get(name)
	ts, err := model.ParseTimestamp(raw)
	if err != nil {
		return 0, accterrors.InvalidArgument(fmt.Sprintf("Missing or bad %s", name), err)
	}
	return ts, nil
}

func counterHeader(h http.Header, name string) (int64, error) {
	raw := h.Get(name)
	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, accterrors.InvalidArgument(fmt.Sprintf("Missing or bad %s", name), err)
	}
	return n, nil
}

// Head handles HEAD /device/partition/account
func (h *AccountHandler) Head(r *http.Request) (*Response, error) {
	t, _, err := splitTarget(r, 3, 3)
	if err != nil {
		return badRequest(err), nil
	}
	query, err := validation.ParseQuery(r.URL.RawQuery)
	if err != nil {
		return badRequest(err), nil
	}
	contentType, err := negotiateContentType(r, query)
	if err != nil {
		return badRequest(err), nil
	}
	if resp := h.unmounted(t.Device); resp != nil {
		return resp, nil
	}

	snap, ok, err := h.service.Info(r.Context(), t)
	if err != nil {
		return nil, err
	}
	if !ok {
		return h.deletedResponse(r.Context(), t, http.StatusNotFound, ""), nil
	}

	resp := newResponse(http.StatusNoContent)
	accountHeaders(resp.Header, snap, contentType)
	return resp, nil
}

// Get handles GET /device/partition/account, listing its containers
func (h *AccountHandler) Get(r *http.Request) (*Response, error) {
	t, _, err := splitTarget(r, 3, 3)
	if err != nil {
		return badRequest(err), nil
	}
	query, err := validation.ParseQuery(r.URL.RawQuery)
	if err != nil {
		return badRequest(err), nil
	}
	params, err := h.validator.ParseListingParams(query)
	if err != nil {
		return badRequest(err), nil
	}
	contentType, err := negotiateContentType(r, query)
	if err != nil {
		return badRequest(err), nil
	}
	if resp := h.unmounted(t.Device); resp != nil {
		return resp, nil
	}

	listing, ok, err := h.service.List(r.Context(), t, broker.ListParams{
		Limit:     params.Limit,
		Marker:    params.Marker,
		EndMarker: params.EndMarker,
		Prefix:    params.Prefix,
		Delimiter: params.Delimiter,
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return h.deletedResponse(r.Context(), t, http.StatusNotFound, ""), nil
	}
	return listingResponse(t.Account, listing, contentType)
}

// Post handles POST /device/partition/account, updating metadata only
func (h *AccountHandler) Post(r *http.Request) (*Response, error) {
	t, _, err := splitTarget(r, 3, 3)
	if err != nil {
		return badRequest(err), nil
	}
	ts, err := validation.ParseTimestampHeader(r.Header.Get("X-Timestamp"))
	if err != nil {
		return badRequest(err), nil
	}
	if resp := h.unmounted(t.Device); resp != nil {
		return resp, nil
	}

	ok, err := h.service.UpdateMetadata(r.Context(), t, model.MetadataFromHeaders(r.Header, ts))
	if err != nil {
		return nil, err
	}
	if !ok {
		return h.deletedResponse(r.Context(), t, http.StatusNotFound, ""), nil
	}
	return newResponse(http.StatusNoContent), nil
}

// Replicate handles REPLICATE /device/partition/hash, passing the RPC body
// to the replication endpoint and its answer back unchanged
func (h *AccountHandler) Replicate(r *http.Request) (*Response, error) {
	segs, err := validation.SplitPath(r.URL.Path, 3, 3)
	if err != nil {
		return badRequest(err), nil
	}
	device, partition, hash := segs[0], segs[1], segs[2]
	if err := validation.ValidateDevicePartition(device, partition); err != nil {
		return badRequest(err), nil
	}
	if err := validation.ValidateHash(hash); err != nil {
		return badRequest(err), nil
	}
	if resp := h.unmounted(device); resp != nil {
		return resp, nil
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxReplicateBody+1))
	if err != nil {
		return textResponse(http.StatusBadRequest, "failed to read body"), nil
	}
	if len(body) > maxReplicateBody {
		return textResponse(http.StatusBadRequest, "body too large"), nil
	}

	res := h.rpc.Dispatch(r.Context(), device, partition, hash, body)
	resp := newResponse(res.Status)
	if res.ContentType != "" {
		resp.Header.Set("Content-Type", res.ContentType)
	}
	resp.Body = res.Body
	return resp, nil
}
