package camera

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"devicehal-go/errcode"
)

func TestMetadataAddGet(t *testing.T) {
	m := NewMetadata(4)

	require.NoError(t, m.AddU8(TagControlMode, 1))
	require.NoError(t, m.AddI32(TagControlAETargetFPS, 15, 30))
	require.NoError(t, m.AddI64(TagSensorExposureTime, 10_000_000))
	require.NoError(t, m.AddFloat(TagLensFocalLength, 4.2))
	require.NoError(t, m.AddDouble(TagJPEGGPSCoordinates, 51.5, -0.1, 12.0))
	require.NoError(t, m.AddRational(TagSensorNeutralPoint, Rational{255, 100}, Rational{1, 1}, Rational{189, 100}))
	assert.Equal(t, 6, m.Len())

	e, ok := m.Get(TagControlAETargetFPS)
	require.True(t, ok)
	assert.Equal(t, TypeI32, e.Type)
	assert.Equal(t, []int32{15, 30}, e.I32)
	assert.Equal(t, 2, e.Count())

	e, ok = m.Get(TagSensorNeutralPoint)
	require.True(t, ok)
	assert.Equal(t, Rational{255, 100}, e.Rationals[0])

	_, ok = m.Get(TagSensorTimestamp)
	assert.False(t, ok)
}

func TestMetadataTypeChecked(t *testing.T) {
	m := NewMetadata(2)

	// sensor.timestamp is i64; adding it as i32 must fail.
	err := m.AddI32(TagSensorTimestamp, 7)
	assert.Equal(t, errcode.BadValue, errcode.Of(err))

	// Unknown tags are rejected outright.
	err = m.AddU8(mkTag(0x7f, 0), 1)
	assert.Equal(t, errcode.NotFound, errcode.Of(err))

	// Empty payloads carry no information.
	err = m.AddU8(TagControlMode)
	assert.Equal(t, errcode.BadValue, errcode.Of(err))

	assert.Zero(t, m.Len())
}

func TestMetadataAddOverwritesInPlace(t *testing.T) {
	m := NewMetadata(2)
	require.NoError(t, m.AddU8(TagControlMode, 1))
	require.NoError(t, m.AddU8(TagJPEGQuality, 85))
	require.NoError(t, m.AddU8(TagControlMode, 2))

	assert.Equal(t, 2, m.Len())
	e, _ := m.Get(TagControlMode)
	assert.Equal(t, []uint8{2}, e.U8)
	// Insertion order preserved.
	assert.Equal(t, TagControlMode, m.Entries()[0].Tag)
}

func TestMetadataUpdate(t *testing.T) {
	m := NewMetadata(2)
	require.NoError(t, m.AddI64(TagSensorExposureTime, 1))

	require.NoError(t, m.Update(TagSensorExposureTime, Entry{Type: TypeI64, I64: []int64{2}}))
	e, _ := m.Get(TagSensorExposureTime)
	assert.Equal(t, []int64{2}, e.I64)

	err := m.Update(TagSensorTimestamp, Entry{Type: TypeI64, I64: []int64{3}})
	assert.Equal(t, errcode.NotFound, errcode.Of(err))

	err = m.Update(TagSensorExposureTime, Entry{Type: TypeU8, U8: []uint8{3}})
	assert.Equal(t, errcode.BadValue, errcode.Of(err))
}

func TestMetadataGrowthDoubles(t *testing.T) {
	m := NewMetadata(2)
	require.NoError(t, m.AddU8(TagControlMode, 1))
	require.NoError(t, m.AddU8(TagControlCaptureIntent, 1))
	assert.Equal(t, 2, m.Cap())

	require.NoError(t, m.AddU8(TagControlAEMode, 1))
	assert.Equal(t, 4, m.Cap())
	assert.Equal(t, 3, m.Len())

	// Zero-capacity buffers start at the default chunk.
	z := NewMetadata(0)
	require.NoError(t, z.AddU8(TagControlMode, 1))
	assert.Equal(t, 8, z.Cap())
}

func TestMetadataDelete(t *testing.T) {
	m := NewMetadata(4)
	require.NoError(t, m.AddU8(TagControlMode, 1))
	require.NoError(t, m.AddU8(TagControlAEMode, 1))
	require.NoError(t, m.AddU8(TagJPEGQuality, 90))

	assert.True(t, m.Delete(TagControlAEMode))
	assert.False(t, m.Delete(TagControlAEMode))
	assert.Equal(t, 2, m.Len())

	// Later entries stay reachable after reindexing.
	e, ok := m.Get(TagJPEGQuality)
	require.True(t, ok)
	assert.Equal(t, []uint8{90}, e.U8)
}

func TestMetadataMergeAndClone(t *testing.T) {
	base := NewMetadata(2)
	require.NoError(t, base.AddU8(TagControlMode, 1))
	require.NoError(t, base.AddI64(TagSensorExposureTime, 100))

	over := NewMetadata(2)
	require.NoError(t, over.AddI64(TagSensorExposureTime, 200))
	require.NoError(t, over.AddU8(TagJPEGQuality, 80))

	require.NoError(t, base.Merge(over))
	assert.Equal(t, 3, base.Len())
	e, _ := base.Get(TagSensorExposureTime)
	assert.Equal(t, []int64{200}, e.I64)

	c := base.Clone()
	require.NoError(t, c.AddU8(TagJPEGQuality, 10))
	e, _ = base.Get(TagJPEGQuality)
	assert.Equal(t, []uint8{80}, e.U8, "clone writes must not leak into the source")
	assert.Equal(t, base.Tags(), c.Tags())
}
