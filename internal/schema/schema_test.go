package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shapelake/internal/domain"
	"shapelake/internal/shapefile"
)

func TestInfer(t *testing.T) {
	fields := []shapefile.FieldDescriptor{
		{Name: "NAME", Type: 'C', Length: 20},
		{Name: "POP", Type: 'N', Length: 8},
		{Name: "AREA", Type: 'N', Length: 8, DecimalCount: 2},
	}

	got := Infer(fields, false)
	require.Len(t, got, 4)

	assert.Equal(t, domain.SchemaField{
		Name: "name", SourceField: "NAME", Type: domain.FieldText,
		Nullable: true, AutoDetected: true,
	}, got[0])
	assert.Equal(t, domain.FieldInteger, got[1].Type)
	assert.Equal(t, domain.FieldFloat, got[2].Type)

	geom := got[3]
	assert.Equal(t, "geometry", geom.Name)
	assert.Equal(t, domain.FieldGeometry, geom.Type)
	assert.Empty(t, geom.SourceField)
	assert.False(t, geom.Nullable, "geometry is non-nullable without null shapes")

	got = Infer(fields, true)
	assert.True(t, got[3].Nullable, "null shapes make geometry nullable")
}

func TestInferResolvesNameCollisions(t *testing.T) {
	fields := []shapefile.FieldDescriptor{
		{Name: "My Field", Type: 'C'},
		{Name: "MY-FIELD", Type: 'C'},
		{Name: "GEOMETRY", Type: 'C'},
	}

	got := Infer(fields, false)
	require.Len(t, got, 4)
	assert.Equal(t, "my_field", got[0].Name)
	assert.Equal(t, "my_field_2", got[1].Name)
	assert.Equal(t, "geometry", got[2].Name)
	assert.Equal(t, "geometry_2", got[3].Name, "implicit geometry yields to the declared field")
}

func TestApplyManual(t *testing.T) {
	fields := []shapefile.FieldDescriptor{
		{Name: "NAME", Type: 'C'},
		{Name: "POP", Type: 'N'},
	}

	t.Run("subset with override", func(t *testing.T) {
		manual := []domain.SchemaField{
			{Name: "city", SourceField: "NAME", Type: domain.FieldText, Nullable: false},
		}
		got, err := ApplyManual(manual, fields, false)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "city", got[0].Name)
		assert.Equal(t, "NAME", got[0].SourceField)
		assert.False(t, got[0].Nullable)
		assert.False(t, got[0].AutoDetected)
		assert.Equal(t, domain.FieldGeometry, got[1].Type, "implicit geometry appended")
	})

	t.Run("name doubles as source field", func(t *testing.T) {
		manual := []domain.SchemaField{
			{Name: "POP", Type: domain.FieldInteger, Nullable: true},
		}
		got, err := ApplyManual(manual, fields, false)
		require.NoError(t, err)
		assert.Equal(t, "POP", got[0].SourceField)
		assert.Equal(t, "pop", got[0].Name)
	})

	t.Run("unknown source field conflicts", func(t *testing.T) {
		manual := []domain.SchemaField{
			{Name: "height", SourceField: "ELEV", Type: domain.FieldFloat},
		}
		_, err := ApplyManual(manual, fields, false)
		var conflict *domain.SchemaConflictError
		assert.ErrorAs(t, err, &conflict)
	})

	t.Run("explicit geometry column kept", func(t *testing.T) {
		manual := []domain.SchemaField{
			{Name: "shape", Type: domain.FieldGeometry, Nullable: true},
			{Name: "NAME", Type: domain.FieldText, Nullable: true},
		}
		got, err := ApplyManual(manual, fields, false)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "shape", got[0].Name)
		assert.True(t, got[0].Nullable)
	})

	t.Run("duplicate geometry columns conflict", func(t *testing.T) {
		manual := []domain.SchemaField{
			{Name: "shape", Type: domain.FieldGeometry},
			{Name: "shape2", Type: domain.FieldGeometry},
		}
		_, err := ApplyManual(manual, fields, false)
		var conflict *domain.SchemaConflictError
		assert.ErrorAs(t, err, &conflict)
	})
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"NAME", "name"},
		{"My Field!", "my_field_"},
		{"2nd_place", "f_2nd_place"},
		{"", "field"},
		{"---", "___"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Sanitize(tt.in), "input %q", tt.in)
	}
}
