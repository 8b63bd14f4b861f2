package construct

var ExportSanitizeStackName = sanitizeStackName
