package arbor

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"log/slog"
	"math/big"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/arbor/pkg/link"
	"github.com/raskyld/arbor/pkg/packet"
	"github.com/stretchr/testify/require"
)

func generateKeyPair(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate private key: %s", err)
		return nil
	}
	return key
}

func generateCa(t *testing.T, pkey *ecdsa.PrivateKey) []byte {
	t.Helper()
	notBefore := time.Now()
	notAfter := time.Now().Add(1 * time.Hour)

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		t.Fatalf("failed to generate serialNumber: %s", err)
	}
	tmpl := x509.Certificate{
		Subject: pkix.Name{
			CommonName: "self-signed",
		},
		SerialNumber:          serialNumber,
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IPAddresses: []net.IP{
			{127, 0, 0, 1},
		},
		IsCA: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &pkey.PublicKey, pkey)
	if err != nil {
		t.Fatalf("failed to generate CA: %s", err)
		return nil
	}
	return certDER
}

func generateLeaf(t *testing.T, ca *x509.Certificate, caKP, leafKP *ecdsa.PrivateKey, cn string) []byte {
	t.Helper()
	notBefore := time.Now()
	notAfter := time.Now().Add(1 * time.Hour)

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		t.Fatalf("failed to generate serialNumber: %s", err)
	}
	tmpl := x509.Certificate{
		Subject: pkix.Name{
			CommonName: cn,
		},
		SerialNumber: serialNumber,
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		IPAddresses: []net.IP{
			{127, 0, 0, 1},
		},
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		IsCA:                  false,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, ca, &leafKP.PublicKey, caKP)
	if err != nil {
		t.Fatalf("failed to generate CA: %s", err)
		return nil
	}
	return certDER
}

// testTLS returns mTLS configurations for nodes named after names, all
// signed by the same CA.
func testTLS(t *testing.T, names ...string) []*tls.Config {
	t.Helper()
	caKey := generateKeyPair(t)
	caDER := generateCa(t, caKey)
	ca, err := x509.ParseCertificate(caDER)
	require.NoError(t, err)

	caPool := x509.NewCertPool()
	caPool.AddCert(ca)

	configs := make([]*tls.Config, len(names))
	for i, name := range names {
		key := generateKeyPair(t)
		der := generateLeaf(t, ca, caKey, key, name)
		leaf, err := x509.ParseCertificate(der)
		require.NoError(t, err)

		configs[i] = &tls.Config{
			Certificates: []tls.Certificate{
				{
					Certificate: [][]byte{der},
					Leaf:        leaf,
					PrivateKey:  key,
				},
			},
			ClientAuth: tls.RequireAndVerifyClientCert,
			ClientCAs:  caPool,
			RootCAs:    caPool,
		}
	}
	return configs
}

func testHandler(emitter string) slog.Handler {
	return slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:     slog.LevelDebug,
		AddSource: true,
	}).WithAttrs([]slog.Attr{
		{Key: "emitter", Value: slog.StringValue(emitter)},
	})
}

func TestNewTransport(t *testing.T) {
	tlsConfs := testTLS(t, "node1", "node2")

	node1Metrics := metrics.NewInmemSink(time.Second, 5*time.Minute)
	node2Metrics := metrics.NewInmemSink(time.Second, 5*time.Minute)

	ts1, err := NewTransport(&TransportConfig{
		TlsConfig:   tlsConfs[0],
		BindAddr:    "127.0.0.1",
		BindPort:    6031,
		MetricSink:  node1Metrics,
		LogHandler:  testHandler("node1"),
		DialTimeout: 10 * time.Second,
		GracePeriod: 100 * time.Millisecond,
	})
	require.NoError(t, err, "failed to start node1")

	ts2, err := NewTransport(&TransportConfig{
		TlsConfig:   tlsConfs[1],
		BindAddr:    "127.0.0.1",
		BindPort:    6032,
		MetricSink:  node2Metrics,
		LogHandler:  testHandler("node2"),
		DialTimeout: 10 * time.Second,
		GracePeriod: 100 * time.Millisecond,
	})
	require.NoError(t, err, "failed to start node2")

	t.Run("advertise the bound address", func(t *testing.T) {
		ip, port, err := ts1.FinalAdvertiseAddr("", 0)
		require.NoError(t, err)
		require.Equal(t, "127.0.0.1", ip.String())
		require.Equal(t, 6031, port)
	})

	t.Run("write datagram from n1 to n2", func(t *testing.T) {
		_, err = ts1.WriteTo([]byte("hello"), "localhost:6032")
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		select {
		case packet := <-ts2.PacketCh():
			t.Logf("received %s from peer %s", packet.Buf, packet.From)
			require.Equal(t, "hello", string(packet.Buf), "unexpected packet data")
		case <-ctx.Done():
			t.Fatalf("timed out")
		}
	})

	t.Run("open gossip stream from n2 to n1", func(t *testing.T) {
		ts := time.Now()
		conn, err := ts2.DialTimeout("localhost:6031", 1*time.Minute)
		require.NoError(t, err)
		t.Logf("dialing took %s", time.Since(ts).String())

		_, err = conn.Write([]byte("abc"))
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		select {
		case stream := <-ts1.StreamCh():
			var n int
			buf := make([]byte, 1500)
			require.Eventually(t, func() bool {
				m, err := readStreamSkipEmpty(t, ctx, stream, buf[n:])
				n = m + n
				return err == nil && string(buf[:n]) == "abc"
			}, 2*time.Second, 100*time.Millisecond)
		case <-ctx.Done():
			t.Fatalf("timed out")
		}
	})

	t.Run("exchange packets over a link", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		out, err := ts1.Dial(ctx, "127.0.0.1", 6032)
		require.NoError(t, err)
		defer out.Close()

		sent := packet.New(7, packet.FirstApplicationTag, packet.Int32(42), packet.String("hello"))
		require.NoError(t, out.Send(ctx, sent))

		var in link.Link
		select {
		case l := <-ts2.Links():
			in = l
		case <-ctx.Done():
			t.Fatalf("timed out")
		}
		defer in.Close()

		got, err := in.Recv(ctx)
		require.NoError(t, err)
		require.Equal(t, uint32(7), got.StreamID)
		require.Equal(t, packet.FirstApplicationTag, got.Tag)
		v, err := got.At(0).Int()
		require.NoError(t, err)
		require.Equal(t, int64(42), v)
	})

	t.Run("reject unknown stream mode", func(t *testing.T) {
		_, err := parseInitFrame(initFrame(modeUnspecified)[:1])
		require.Error(t, err)

		mode, err := parseInitFrame(initFrame(modeLink))
		require.NoError(t, err)
		require.Equal(t, modeLink, mode)
	})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		ts1.Shutdown()
		wg.Done()
	}()
	go func() {
		ts2.Shutdown()
		wg.Done()
	}()
	wg.Wait()

	_, err = ts1.Dial(context.Background(), "127.0.0.1", 6032)
	require.ErrorIs(t, err, ErrShutdown)
}

func readStreamSkipEmpty(t *testing.T, ctx context.Context, stream net.Conn, buf []byte) (int, error) {
	var n int
	var err error
	dl, ok := ctx.Deadline()
	if ok {
		stream.SetReadDeadline(dl)
	}

	for {
		n, err = stream.Read(buf)
		if err != nil {
			return 0, err
		}

		if ctx.Err() != nil {
			return 0, ctx.Err()
		}

		if n > 0 {
			return n, nil
		} else {
			t.Log("received an empty frame from the stream")
		}
	}
}
