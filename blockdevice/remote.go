package blockdevice

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"io/ioutil"
	"math/big"
	"net/http"
	"time"

	"golang.org/x/crypto/argon2"

	"github.com/utahoram/pathoram/errs"
)

// remoteSalt is fixed and public; the secrecy of the derived certificate
// comes entirely from the pre-shared key, the same approach
// persistent/remote.go's generateConfig takes.
var remoteSalt = []byte("pathoram-remote-transport-v1")

// deriveKeyPair turns a pre-shared key into a deterministic ECDSA key pair
// via argon2.IDKey, so both ends of a connection can generate identical
// self-signed certificates without a real CA.
func deriveKeyPair(psk []byte) (*ecdsa.PrivateKey, error) {
	seed := argon2.IDKey(psk, remoteSalt, 1, 64*1024, 4, 32)
	curve := elliptic.P256()
	d := new(big.Int).SetBytes(seed)
	order := curve.Params().N
	d.Mod(d, order)
	if d.Sign() == 0 {
		d.SetInt64(1)
	}
	priv := new(ecdsa.PrivateKey)
	priv.PublicKey.Curve = curve
	priv.D = d
	priv.PublicKey.X, priv.PublicKey.Y = curve.ScalarBaseMult(d.Bytes())
	return priv, nil
}

// GenerateTLSConfig builds a tls.Config for a mutual-TLS connection whose
// trust anchor is not a CA but a pre-shared transport key: both the client
// and the server derive the same self-signed certificate from psk and each
// presents it to, and verifies it against, the other.
func GenerateTLSConfig(psk []byte, isServer bool) (*tls.Config, error) {
	priv, err := deriveKeyPair(psk)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrAuthenticationFailure, err)
	}

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "pathoram-remote"},
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Unix(0, 0).AddDate(100, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		IsCA:         true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrAuthenticationFailure, err)
	}
	cert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}

	pool := x509.NewCertPool()
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrAuthenticationFailure, err)
	}
	pool.AddCert(leaf)

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
	}
	if isServer {
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
		cfg.ClientCAs = pool
	} else {
		cfg.RootCAs = pool
		cfg.ServerName = "pathoram-remote"
	}
	return cfg, nil
}

// remoteStore is an ObjectStore that speaks to a remote block-store server
// over mutually authenticated HTTPS. Modeled on persistent/remote.go's
// client/server split, trimmed to the Get/Set/Delete surface objectDevice
// needs.
type remoteStore struct {
	baseURL string
	client  *http.Client
}

// NewRemoteStore builds an ObjectStore client. tlsCfg should come from
// GenerateTLSConfig(psk, false).
func NewRemoteStore(baseURL string, tlsCfg *tls.Config) ObjectStore {
	return &remoteStore{
		baseURL: baseURL,
		client: &http.Client{
			Transport: &http.Transport{TLSClientConfig: tlsCfg},
			Timeout:   30 * time.Second,
		},
	}
}

func (r *remoteStore) Get(ctx context.Context, key string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/objects/"+key, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrBackendIO, err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrBackendIO, err)
	}
	defer resp.Body.Close()
	ObjectStoreOps.WithLabelValues("remote", "get", boolLabel(resp.StatusCode == http.StatusOK)).Inc()
	if resp.StatusCode == http.StatusNotFound {
		return nil, errObjectNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: remote get returned status %d", errs.ErrBackendIO, resp.StatusCode)
	}
	return ioutil.ReadAll(resp.Body)
}

func (r *remoteStore) Set(ctx context.Context, key string, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, r.baseURL+"/objects/"+key, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrBackendIO, err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrBackendIO, err)
	}
	defer resp.Body.Close()
	ObjectStoreOps.WithLabelValues("remote", "set", boolLabel(resp.StatusCode == http.StatusOK)).Inc()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: remote put returned status %d", errs.ErrBackendIO, resp.StatusCode)
	}
	return nil
}

func (r *remoteStore) Delete(ctx context.Context, key string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, r.baseURL+"/objects/"+key, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrBackendIO, err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrBackendIO, err)
	}
	defer resp.Body.Close()
	ObjectStoreOps.WithLabelValues("remote", "delete", boolLabel(resp.StatusCode == http.StatusOK)).Inc()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("%w: remote delete returned status %d", errs.ErrBackendIO, resp.StatusCode)
	}
	return nil
}

type remoteFactory struct {
	baseURL string
	tlsCfg  *tls.Config
	walDir  string
}

// RegisterRemote installs the "remote" backend tag, talking to a server at
// baseURL authenticated via tlsCfg (see GenerateTLSConfig).
func RegisterRemote(baseURL string, tlsCfg *tls.Config, walDir string) error {
	return Register("remote", &remoteFactory{baseURL: baseURL, tlsCfg: tlsCfg, walDir: walDir})
}

func (f *remoteFactory) Setup(ctx context.Context, name string, opts SetupOptions) (Device, error) {
	return newObjectDevice(ctx, "remote", f.walDir, NewRemoteStore(f.baseURL, f.tlsCfg), opts)
}

func (f *remoteFactory) Open(ctx context.Context, name string, opts OpenOptions) (Device, error) {
	return openObjectDevice(ctx, "remote", f.walDir, NewRemoteStore(f.baseURL, f.tlsCfg), opts)
}

// RemoteServer exposes an ObjectStore as an HTTP handler, for the process on
// the other end of a remote backend. Objects are addressed by the tail of
// the URL path, matching the "/objects/{key}" routing remoteStore expects.
type RemoteServer struct {
	Store ObjectStore
}

func (s *RemoteServer) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	const prefix = "/objects/"
	if len(req.URL.Path) <= len(prefix) {
		http.Error(w, "missing object key", http.StatusBadRequest)
		return
	}
	key := req.URL.Path[len(prefix):]

	switch req.Method {
	case http.MethodGet:
		data, err := s.Store.Get(req.Context(), key)
		if err != nil {
			s.writeErr(w, err)
			return
		}
		w.Write(data)
	case http.MethodPut:
		data, err := ioutil.ReadAll(req.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.Store.Set(req.Context(), key, data); err != nil {
			s.writeErr(w, err)
			return
		}
	case http.MethodDelete:
		if err := s.Store.Delete(req.Context(), key); err != nil {
			s.writeErr(w, err)
			return
		}
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *RemoteServer) writeErr(w http.ResponseWriter, err error) {
	if err == errObjectNotFound {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}
