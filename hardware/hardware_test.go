package hardware

import (
	"encoding/json"
	"image"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	iface "AutoFocusServer/interface"
	"AutoFocusServer/imgproc"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

func TestSimZ(t *testing.T) {
	z := NewSimZ(100, 10)
	pos, err := z.ReadZ()
	require.NoError(t, err)
	assert.Equal(t, 10.0, pos)

	require.NoError(t, z.MoveZ(42))
	pos, _ = z.ReadZ()
	assert.Equal(t, 42.0, pos)
	assert.ErrorIs(t, z.MoveZ(101), ErrOutOfRange)
	assert.ErrorIs(t, z.MoveZ(-1), ErrOutOfRange)
	assert.Equal(t, 1, z.Moves())
	assert.Equal(t, 100.0, z.ZRange())
}

func TestSimStage(t *testing.T) {
	s := NewSimStage(3)
	require.NoError(t, s.SetDualRefs(1, 2))
	require.NoError(t, s.StartDualControl())
	assert.True(t, s.IsDualControlActive())
	assert.False(t, s.IsPositionReached())
	assert.False(t, s.IsPositionReached())
	assert.True(t, s.IsPositionReached())
	x, y := s.Position()
	assert.Equal(t, 1.0, x)
	assert.Equal(t, 2.0, y)
	require.NoError(t, s.StopDualControl())
	assert.False(t, s.IsDualControlActive())
	assert.Equal(t, []iface.StagePoint{{X: 1, Y: 2}}, s.Targets())

	never := NewSimStage(-1)
	for i := 0; i < 50; i++ {
		assert.False(t, never.IsPositionReached())
	}
}

func TestSimCameraSharpestAtFocalPlane(t *testing.T) {
	z := NewSimZ(100, 0)
	cam := NewSimCamera(z, 37, 160, 120, Specimen{Center: image.Pt(80, 60), Radius: 30})
	defer cam.Close()

	score := func(pos float64) float64 {
		require.NoError(t, z.MoveZ(pos))
		f, err := cam.CurrentFrame()
		require.NoError(t, err)
		defer f.Close()
		return imgproc.LaplacianVariance(f, nil, 3, 1)
	}
	inFocus := score(37)
	assert.Greater(t, inFocus, score(32))
	assert.Greater(t, score(32), score(20))
	assert.Greater(t, inFocus, score(45))
}

// deviceServer mimics a motion and camera server.
type deviceServer struct {
	mu    sync.Mutex
	pos   map[string]float64
	moves []string
	fail  int
}

func (d *deviceServer) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/axis/", func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
		if len(parts) != 3 || parts[2] != "pos" {
			http.NotFound(w, r)
			return
		}
		axis := parts[1]
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.fail > 0 {
			d.fail--
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		switch r.Method {
		case http.MethodGet:
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]float64{"f64": d.pos[axis]})
		case http.MethodPost:
			var f floatT
			if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			if f.F64 > 1000 {
				http.Error(w, "out of travel", http.StatusBadRequest)
				return
			}
			d.pos[axis] = f.F64
			d.moves = append(d.moves, axis)
			w.WriteHeader(http.StatusOK)
		}
	})
	mux.HandleFunc("/image", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "png", r.URL.Query().Get("fmt"))
		m := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(77, 0, 0, 0), 12, 20, gocv.MatTypeCV8UC1)
		defer m.Close()
		buf, err := gocv.IMEncode(gocv.PNGFileExt, m)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		defer buf.Close()
		w.Header().Set("Content-Type", "image/png")
		w.Write(buf.GetBytes())
	})
	return mux
}

func TestMotionClient(t *testing.T) {
	dev := &deviceServer{pos: map[string]float64{}}
	srv := httptest.NewServer(dev.handler(t))
	defer srv.Close()

	cfg := DefaultMotionConfig()
	cfg.Addr = srv.URL
	cfg.PollEvery = time.Millisecond
	m := NewMotionClient(cfg, nil)

	t.Run("z axis", func(t *testing.T) {
		require.NoError(t, m.MoveZ(12.5))
		z, err := m.ReadZ()
		require.NoError(t, err)
		assert.Equal(t, 12.5, z)
		assert.ErrorIs(t, m.MoveZ(cfg.ZRange+1), ErrOutOfRange)
	})

	t.Run("retries server errors", func(t *testing.T) {
		dev.mu.Lock()
		dev.fail = 2
		dev.mu.Unlock()
		require.NoError(t, m.MoveZ(3))
		z, err := m.ReadZ()
		require.NoError(t, err)
		assert.Equal(t, 3.0, z)
	})

	t.Run("client errors are permanent", func(t *testing.T) {
		start := time.Now()
		err := m.setPos("x", 5000)
		assert.ErrorIs(t, err, ErrDevice)
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("stage", func(t *testing.T) {
		require.NoError(t, m.SetDualRefs(10, 20))
		require.NoError(t, m.StartDualControl())
		assert.True(t, m.IsDualControlActive())
		time.Sleep(5 * time.Millisecond)
		assert.True(t, m.IsPositionReached())
		require.NoError(t, m.StopDualControl())
		assert.False(t, m.IsDualControlActive())

		require.NoError(t, m.SetDualRefs(50, 20))
		time.Sleep(5 * time.Millisecond)
		assert.False(t, m.IsPositionReached())
	})
}

func TestCameraClient(t *testing.T) {
	dev := &deviceServer{pos: map[string]float64{}}
	srv := httptest.NewServer(dev.handler(t))
	defer srv.Close()

	cam := NewCameraClient(srv.URL)
	f, err := cam.CurrentFrame()
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, 20, f.Cols())
	assert.Equal(t, 12, f.Rows())
	assert.Equal(t, uint8(77), f.GetUCharAt(3, 3))

	missing := NewCameraClient(srv.URL + "/nothing")
	_, err = missing.CurrentFrame()
	assert.ErrorIs(t, err, iface.ErrNoFrame)
}

func TestOpen(t *testing.T) {
	t.Run("sim", func(t *testing.T) {
		cfg := DefaultConfig()
		rig, err := Open(cfg, nil)
		require.NoError(t, err)
		defer rig.Close()
		assert.True(t, rig.Connected())
		z, _ := rig.Z.ReadZ()
		assert.Equal(t, cfg.Motion.ZRange/2, z)

		frame, err := rig.Camera.CurrentFrame()
		require.NoError(t, err)
		defer frame.Close()
		assert.Equal(t, cfg.Sim.Width, frame.Cols())
		assert.Equal(t, cfg.Sim.Height, frame.Rows())
	})

	t.Run("http", func(t *testing.T) {
		dev := &deviceServer{pos: map[string]float64{"z": 20}}
		srv := httptest.NewServer(dev.handler(t))
		defer srv.Close()
		cfg := DefaultConfig()
		cfg.Mode = "http"
		cfg.Motion.Addr = srv.URL
		cfg.CameraAddr = srv.URL
		rig, err := Open(cfg, nil)
		require.NoError(t, err)
		assert.True(t, rig.Connected())
		assert.NoError(t, rig.Close())
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := Open(Config{Mode: "serial"}, nil)
		assert.Error(t, err)
	})
}

func TestSimSpecimens(t *testing.T) {
	got := SimSpecimens(SimConfig{Width: 640, Height: 480, Specimens: 3})
	require.Len(t, got, 3)
	assert.Equal(t, image.Pt(160, 240), got[0].Center)
	assert.Equal(t, image.Pt(480, 240), got[2].Center)
	assert.Less(t, got[0].Radius, got[1].Radius)
	assert.Less(t, got[1].Radius, got[2].Radius)
}
