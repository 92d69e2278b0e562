package receiver

import (
	"io"
	"mime"
	"net/http"

	"github.com/go-kit/log/level"
	"go.opentelemetry.io/collector/pdata/plog/plogotlp"
	"go.opentelemetry.io/collector/pdata/pmetric/pmetricotlp"
	"go.opentelemetry.io/collector/pdata/ptrace/ptraceotlp"

	"github.com/vantagehq/vantage/pkg/verrors"
)

const (
	contentTypeProto = "application/x-protobuf"
	contentTypeJSON  = "application/json"

	// maxBodyBytes bounds a single OTLP/HTTP export.
	maxBodyBytes = 32 << 20
)

// otlpEncoding picks the wire encoding from the Content-Type header.
func otlpEncoding(r *http.Request) (string, error) {
	ct := r.Header.Get("Content-Type")
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return "", verrors.E(verrors.KindInvalid, "unparsable content type %q", ct, err)
	}
	switch mediaType {
	case contentTypeProto, contentTypeJSON:
		return mediaType, nil
	default:
		return "", verrors.E(verrors.KindInvalid, "unsupported content type %q", mediaType)
	}
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, verrors.E(verrors.KindInvalid, "reading request body", err)
	}
	return body, nil
}

func (rc *Receiver) handleTracesHTTP(w http.ResponseWriter, r *http.Request) {
	encoding, err := otlpEncoding(r)
	if err != nil {
		rc.writeError(w, encoding, err)
		return
	}
	body, err := readBody(w, r)
	if err != nil {
		rc.writeError(w, encoding, err)
		return
	}

	req := ptraceotlp.NewExportRequest()
	if encoding == contentTypeProto {
		err = req.UnmarshalProto(body)
	} else {
		err = req.UnmarshalJSON(body)
	}
	if err != nil {
		rc.writeError(w, encoding, verrors.E(verrors.KindInvalid, "malformed trace export", err))
		return
	}

	rejected, err := rc.exportTraces(r.Context(), req)
	if err != nil {
		rc.writeError(w, encoding, err)
		return
	}
	resp := ptraceotlp.NewExportResponse()
	if rejected > 0 {
		resp.PartialSuccess().SetRejectedSpans(rejected)
		resp.PartialSuccess().SetErrorMessage("spans dropped during normalization")
	}
	rc.writeExportResponse(w, encoding, resp.MarshalProto, resp.MarshalJSON)
}

func (rc *Receiver) handleLogsHTTP(w http.ResponseWriter, r *http.Request) {
	encoding, err := otlpEncoding(r)
	if err != nil {
		rc.writeError(w, encoding, err)
		return
	}
	body, err := readBody(w, r)
	if err != nil {
		rc.writeError(w, encoding, err)
		return
	}

	req := plogotlp.NewExportRequest()
	if encoding == contentTypeProto {
		err = req.UnmarshalProto(body)
	} else {
		err = req.UnmarshalJSON(body)
	}
	if err != nil {
		rc.writeError(w, encoding, verrors.E(verrors.KindInvalid, "malformed log export", err))
		return
	}

	rejected, err := rc.exportLogs(r.Context(), req)
	if err != nil {
		rc.writeError(w, encoding, err)
		return
	}
	resp := plogotlp.NewExportResponse()
	if rejected > 0 {
		resp.PartialSuccess().SetRejectedLogRecords(rejected)
		resp.PartialSuccess().SetErrorMessage("log records dropped during normalization")
	}
	rc.writeExportResponse(w, encoding, resp.MarshalProto, resp.MarshalJSON)
}

func (rc *Receiver) handleMetricsHTTP(w http.ResponseWriter, r *http.Request) {
	encoding, err := otlpEncoding(r)
	if err != nil {
		rc.writeError(w, encoding, err)
		return
	}
	body, err := readBody(w, r)
	if err != nil {
		rc.writeError(w, encoding, err)
		return
	}

	req := pmetricotlp.NewExportRequest()
	if encoding == contentTypeProto {
		err = req.UnmarshalProto(body)
	} else {
		err = req.UnmarshalJSON(body)
	}
	if err != nil {
		rc.writeError(w, encoding, verrors.E(verrors.KindInvalid, "malformed metric export", err))
		return
	}

	rejected, err := rc.exportMetrics(r.Context(), req)
	if err != nil {
		rc.writeError(w, encoding, err)
		return
	}
	resp := pmetricotlp.NewExportResponse()
	if rejected > 0 {
		resp.PartialSuccess().SetRejectedDataPoints(rejected)
		resp.PartialSuccess().SetErrorMessage("data points dropped during normalization")
	}
	rc.writeExportResponse(w, encoding, resp.MarshalProto, resp.MarshalJSON)
}

func (rc *Receiver) writeExportResponse(w http.ResponseWriter, encoding string, proto, json func() ([]byte, error)) {
	marshal := proto
	if encoding == contentTypeJSON {
		marshal = json
	}
	body, err := marshal()
	if err != nil {
		level.Error(rc.logger).Log("msg", "marshaling export response", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", encoding)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// writeError follows OTLP/HTTP failure semantics: a plain status code with
// a text body. Retryable conditions map to 503 so the collector retries.
func (rc *Receiver) writeError(w http.ResponseWriter, _ string, err error) {
	http.Error(w, err.Error(), verrors.HTTPStatus(err))
}
