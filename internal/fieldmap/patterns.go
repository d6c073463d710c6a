package fieldmap

// Field is a semantic event field detected from column headers.
type Field string

const (
	FieldID           Field = "id"
	FieldTitle        Field = "title"
	FieldDescription  Field = "description"
	FieldTimestamp    Field = "timestamp"
	FieldLatitude     Field = "latitude"
	FieldLongitude    Field = "longitude"
	FieldLocationName Field = "locationName"
	FieldLocation     Field = "location"
)

// detectionOrder resolves the most specific fields first so that, for
// example, "location name" is claimed before "location".
var detectionOrder = []Field{
	FieldID, FieldLatitude, FieldLongitude, FieldTimestamp,
	FieldTitle, FieldDescription, FieldLocationName, FieldLocation,
}

// patterns holds normalized header names per ISO 639-3 language, most
// preferred first.
var patterns = map[string]map[Field][]string{
	"eng": {
		FieldID:           {"id", "event id", "external id", "uid", "identifier", "reference", "ref"},
		FieldTitle:        {"title", "name", "event name", "event title", "event", "subject", "headline"},
		FieldDescription:  {"description", "details", "summary", "notes", "body", "text", "content"},
		FieldTimestamp:    {"date", "timestamp", "datetime", "start date", "start", "event date", "time", "start time", "when"},
		FieldLatitude:     {"latitude", "lat", "y"},
		FieldLongitude:    {"longitude", "lon", "lng", "long", "x"},
		FieldLocationName: {"location name", "venue", "place", "place name", "site"},
		FieldLocation:     {"address", "location", "full address", "street address", "city"},
	},
	"deu": {
		FieldID:           {"kennung", "nummer", "nr"},
		FieldTitle:        {"titel", "name", "bezeichnung", "veranstaltung", "betreff"},
		FieldDescription:  {"beschreibung", "details", "zusammenfassung", "notizen", "text"},
		FieldTimestamp:    {"datum", "zeitpunkt", "zeit", "beginn", "startdatum"},
		FieldLatitude:     {"breitengrad", "breite"},
		FieldLongitude:    {"laengengrad", "längengrad", "länge", "laenge"},
		FieldLocationName: {"ort name", "veranstaltungsort", "ortsname"},
		FieldLocation:     {"adresse", "anschrift", "ort", "standort"},
	},
	"fra": {
		FieldID:           {"identifiant", "référence", "reference"},
		FieldTitle:        {"titre", "nom", "intitulé", "événement", "evenement"},
		FieldDescription:  {"description", "détails", "resume", "résumé", "remarques"},
		FieldTimestamp:    {"date", "horodatage", "heure", "date de début", "début"},
		FieldLatitude:     {"latitude"},
		FieldLongitude:    {"longitude"},
		FieldLocationName: {"lieu", "nom du lieu", "salle"},
		FieldLocation:     {"adresse", "emplacement", "localisation"},
	},
	"spa": {
		FieldID:           {"identificador", "referencia"},
		FieldTitle:        {"título", "titulo", "nombre", "evento", "asunto"},
		FieldDescription:  {"descripción", "descripcion", "detalles", "resumen", "notas"},
		FieldTimestamp:    {"fecha", "hora", "fecha de inicio", "inicio"},
		FieldLatitude:     {"latitud"},
		FieldLongitude:    {"longitud"},
		FieldLocationName: {"lugar", "nombre del lugar", "sede"},
		FieldLocation:     {"dirección", "direccion", "ubicación", "ubicacion", "domicilio"},
	},
	"ita": {
		FieldID:           {"identificativo", "codice", "riferimento"},
		FieldTitle:        {"titolo", "nome", "evento", "oggetto"},
		FieldDescription:  {"descrizione", "dettagli", "riepilogo", "note"},
		FieldTimestamp:    {"data", "ora", "data inizio", "inizio"},
		FieldLatitude:     {"latitudine"},
		FieldLongitude:    {"longitudine"},
		FieldLocationName: {"luogo", "nome luogo", "sede"},
		FieldLocation:     {"indirizzo", "posizione", "località", "localita"},
	},
	"nld": {
		FieldID:           {"kenmerk", "nummer", "referentie"},
		FieldTitle:        {"titel", "naam", "evenement", "onderwerp"},
		FieldDescription:  {"beschrijving", "omschrijving", "details", "samenvatting", "notities"},
		FieldTimestamp:    {"datum", "tijd", "tijdstip", "begindatum", "start"},
		FieldLatitude:     {"breedtegraad"},
		FieldLongitude:    {"lengtegraad"},
		FieldLocationName: {"locatie naam", "plaatsnaam", "zaal"},
		FieldLocation:     {"adres", "locatie", "plaats"},
	},
	"por": {
		FieldID:           {"identificador", "referência", "referencia", "código"},
		FieldTitle:        {"título", "titulo", "nome", "evento", "assunto"},
		FieldDescription:  {"descrição", "descricao", "detalhes", "resumo", "notas"},
		FieldTimestamp:    {"data", "hora", "data de início", "início", "inicio"},
		FieldLatitude:     {"latitude"},
		FieldLongitude:    {"longitude"},
		FieldLocationName: {"local", "nome do local"},
		FieldLocation:     {"endereço", "endereco", "morada", "localização", "localizacao"},
	},
}
